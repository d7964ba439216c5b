package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gandaldf/sqltpl"
	"github.com/gandaldf/sqltpl/internal/scan"
)

type primaryKey struct{}

// UsePrimary returns a context whose reads run on the primary, e.g. for
// read-your-writes or INSERT ... RETURNING through QueryRow.
func UsePrimary(ctx context.Context) context.Context {
	return context.WithValue(ctx, primaryKey{}, true)
}

func readsReplica(ctx context.Context) bool {
	forced, _ := ctx.Value(primaryKey{}).(bool)
	return !forced
}

// Row is the current row inside a Query callback. It is valid only for the
// duration of the call.
type Row struct {
	rows *sql.Rows
	cols []string
}

// Columns returns the result column names.
func (r Row) Columns() []string { return r.cols }

// Scan copies the columns into dest as (*sql.Rows).Scan does.
func (r Row) Scan(dest ...any) error { return r.rows.Scan(dest...) }

// ScanInto scans the row into a struct, primitive or sql.Scanner.
func (r Row) ScanInto(dest any) error { return scan.One(r.rows, dest) }

// Map returns the row as a column→value map.
func (r Row) Map() (map[string]any, error) { return scan.Map(r.rows, r.cols) }

// --------------------------------
// Statements
// --------------------------------

// Execute runs a statement on the primary (or the session) and returns the
// number of affected rows.
func (d *Driver) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	sqlText, vals, err := d.engine.Render(query, args...)
	if err != nil {
		return 0, err
	}
	var affected int64
	err = d.run(ctx, sqlText, vals, false, func(ctx context.Context, q querier) error {
		res, err := q.ExecContext(ctx, sqlText, vals...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// Query streams the result rows to fn. An error returned by fn stops the
// iteration and is returned unchanged. fn must not run statements on d
// while a transaction or pinned connection is active.
func (d *Driver) Query(ctx context.Context, query string, fn func(Row) error, args ...any) error {
	return d.query(ctx, query, args, func(rows *sql.Rows) error {
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		delivered := false
		for rows.Next() {
			delivered = true
			if err := fn(Row{rows: rows, cols: cols}); err != nil {
				return passthrough{err}
			}
		}
		if err := rows.Err(); err != nil {
			if delivered {
				return interrupted{err}
			}
			return err
		}
		return nil
	})
}

// QueryRow scans the first row into dest (struct, primitive or
// sql.Scanner). It returns sql.ErrNoRows when there is none.
func (d *Driver) QueryRow(ctx context.Context, dest any, query string, args ...any) error {
	return d.query(ctx, query, args, func(rows *sql.Rows) error {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return sql.ErrNoRows
		}
		return scan.One(rows, dest)
	})
}

// QueryMaybeRow is QueryRow reporting a missing row as false instead of
// sql.ErrNoRows.
func (d *Driver) QueryMaybeRow(ctx context.Context, dest any, query string, args ...any) (bool, error) {
	err := d.QueryRow(ctx, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// QueryAll scans every row into dest, a pointer to a slice of structs,
// pointers to structs or primitives.
func (d *Driver) QueryAll(ctx context.Context, dest any, query string, args ...any) error {
	return d.query(ctx, query, args, func(rows *sql.Rows) error {
		return scan.All(rows, dest)
	})
}

// QueryRowMap returns the first row as a column→value map, or
// sql.ErrNoRows.
func (d *Driver) QueryRowMap(ctx context.Context, query string, args ...any) (map[string]any, error) {
	var out map[string]any
	err := d.query(ctx, query, args, func(rows *sql.Rows) error {
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return sql.ErrNoRows
		}
		out, err = scan.Map(rows, cols)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryMaps returns every row as a column→value map.
func (d *Driver) QueryMaps(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var out []map[string]any
	err := d.query(ctx, query, args, func(rows *sql.Rows) error {
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		out = out[:0]
		for rows.Next() {
			m, err := scan.Map(rows, cols)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}

// QueryColumn scans the first column of every row into dest, a pointer to
// a slice.
func (d *Driver) QueryColumn(ctx context.Context, dest any, query string, args ...any) error {
	return d.query(ctx, query, args, func(rows *sql.Rows) error {
		return scan.Column(rows, dest)
	})
}

// QueryValue scans the first column of the first row into dest, or returns
// sql.ErrNoRows.
func (d *Driver) QueryValue(ctx context.Context, dest any, query string, args ...any) error {
	return d.query(ctx, query, args, func(rows *sql.Rows) error {
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		if len(cols) == 0 {
			return fmt.Errorf("%w: no columns", sqltpl.ErrScanDest)
		}
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return sql.ErrNoRows
		}
		return rows.Scan(targets(cols, dest)...)
	})
}

// QueryDictionary maps the first column of each row to the whole row.
// A later row with the same key replaces an earlier one.
func QueryDictionary[K comparable](ctx context.Context, d *Driver, query string, args ...any) (map[K]map[string]any, error) {
	out := make(map[K]map[string]any)
	err := d.query(ctx, query, args, func(rows *sql.Rows) error {
		clear(out)
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		for rows.Next() {
			k, row, err := keyedRow[K](rows, cols)
			if err != nil {
				return err
			}
			out[k] = row
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryGroupedDictionary groups rows by their first column, keeping row
// order within each group.
func QueryGroupedDictionary[K comparable](ctx context.Context, d *Driver, query string, args ...any) (map[K][]map[string]any, error) {
	out := make(map[K][]map[string]any)
	err := d.query(ctx, query, args, func(rows *sql.Rows) error {
		clear(out)
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		for rows.Next() {
			k, row, err := keyedRow[K](rows, cols)
			if err != nil {
				return err
			}
			out[k] = append(out[k], row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QueryColumnDictionary maps the first column of each row to the second.
func QueryColumnDictionary[K comparable, V any](ctx context.Context, d *Driver, query string, args ...any) (map[K]V, error) {
	out := make(map[K]V)
	err := d.query(ctx, query, args, func(rows *sql.Rows) error {
		clear(out)
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		if len(cols) < 2 {
			return fmt.Errorf("%w: column dictionary requires 2 columns, got %d", sqltpl.ErrScanDest, len(cols))
		}
		for rows.Next() {
			var (
				k K
				v V
			)
			if err := rows.Scan(targets(cols, &k, &v)...); err != nil {
				return err
			}
			out[k] = v
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Dry renders query without executing it.
func (d *Driver) Dry(query string, args ...any) (string, []any, error) {
	return d.engine.Render(query, args...)
}

// DryInline renders query with every value inlined, for logs and debugging.
func (d *Driver) DryInline(query string, args ...any) (string, error) {
	return d.engine.RenderInline(query, args...)
}

// --------------------------------
// Helpers
// --------------------------------

// query renders a template and runs it as a read, handing the open rows to
// fn.
func (d *Driver) query(ctx context.Context, query string, args []any, fn func(rows *sql.Rows) error) error {
	sqlText, vals, err := d.engine.Render(query, args...)
	if err != nil {
		return err
	}
	return d.run(ctx, sqlText, vals, readsReplica(ctx), func(ctx context.Context, q querier) error {
		rows, err := q.QueryContext(ctx, sqlText, vals...)
		if err != nil {
			return err
		}
		defer rows.Close()
		err = fn(rows)
		var p passthrough
		if !errors.As(err, &p) && (errors.Is(err, sqltpl.ErrScanDest) || errors.Is(err, sqltpl.ErrFieldAmbiguous)) {
			return passthrough{err}
		}
		return err
	})
}

// targets returns scan targets for cols: dest for the leading columns and
// discarded holders for the rest.
func targets(cols []string, dest ...any) []any {
	t := make([]any, len(cols))
	for i := range t {
		if i < len(dest) {
			t[i] = dest[i]
			continue
		}
		t[i] = new(any)
	}
	return t
}

// keyedRow scans the first column into a K and the whole row into a map.
func keyedRow[K comparable](rows *sql.Rows, cols []string) (K, map[string]any, error) {
	var k K
	if len(cols) == 0 {
		return k, nil, fmt.Errorf("%w: no columns", sqltpl.ErrScanDest)
	}
	vals := make([]any, len(cols))
	t := make([]any, len(cols))
	t[0] = &k
	for i := 1; i < len(cols); i++ {
		t[i] = &vals[i]
	}
	if err := rows.Scan(t...); err != nil {
		return k, nil, err
	}
	row := make(map[string]any, len(cols))
	row[cols[0]] = k
	for i := 1; i < len(cols); i++ {
		if b, ok := vals[i].([]byte); ok {
			vals[i] = string(b)
		}
		row[cols[i]] = vals[i]
	}
	return k, row, nil
}
