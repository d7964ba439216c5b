package sqltpl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gandaldf/sqltpl/internal/scan"
)

// Builder assembles a single SQL statement from template fragments.
// It is NOT safe for concurrent use and is single-use: after Build() it is
// automatically released back to the pool and must not be used again.
//
// Fragments written with their own arguments are merged with MergeInto, so
// their placeholders never collide with earlier ones or with Bind names.
// Fragments written without arguments share names with the Bind bag.
type Builder struct {
	e        *Engine
	sb       strings.Builder
	claimed  map[string]struct{}
	params   Params
	bag      Params
	released bool
	err      error
}

// Write starts a new statement and returns a single-use Builder.
// You can add more chunks via Write/Writef, and bind data via Bind().
func (e *Engine) Write(sql string, args ...any) *Builder {
	b := e.pool.Get().(*Builder)
	b.e = e
	b.released = false
	b.err = nil
	b.write(sql, args)
	return b
}

// Write appends a template fragment. No auto-spacing is performed. When args
// are given they are bound to the fragment's own placeholders as by Bind.
func (b *Builder) Write(sql string, args ...any) *Builder {
	if b.released {
		b.err = ErrBuilderReleased
		return b
	}
	if b.err != nil {
		return b
	}
	b.write(sql, args)
	return b
}

// Writef appends a formatted fragment. No auto-spacing is performed.
// Formatting happens before parsing: never format untrusted input.
func (b *Builder) Writef(format string, args ...any) *Builder {
	return b.Write(fmt.Sprintf(format, args...))
}

func (b *Builder) write(sql string, args []any) {
	if sql == "" {
		return
	}
	if len(args) == 0 {
		// Fragments may be split anywhere (e.g. across a {{ }} block), so a
		// parse failure here is left for the final parse to report.
		if root, err := b.e.ParseOrGet(sql); err == nil {
			if root.Positional > 0 {
				b.err = invalidParameter("?", "positional placeholders need arguments in the same Write")
				return
			}
			for _, n := range root.Placeholders() {
				b.claimed[n] = struct{}{}
			}
		}
		b.sb.WriteString(sql)
		return
	}
	root, err := b.e.ParseOrGet(sql)
	if err != nil {
		b.err = err
		return
	}
	src, err := Bind(args...)
	if err != nil {
		b.err = err
		return
	}
	b.err = root.MergeInto(&b.sb, b.claimed, b.params, src)
}

// Bind adds named values shared by every fragment. Supported forms:
//   - nil (ignored)
//   - struct with `db` tags (flattened through nested structs)
//   - map[string]any, Params or any map with string keys
//   - k/v pairs (even number of args, first is string key)
//
// Multiple Bind() calls are allowed; resolution is "last one wins". Bound
// names are reserved: fragments written with arguments afterwards get their
// placeholders renamed, and binding a name such a fragment already owns is
// an error.
func (b *Builder) Bind(args ...any) *Builder {
	if b.released {
		b.err = ErrBuilderReleased
		return b
	}
	if b.err != nil {
		return b
	}

	switch len(args) {
	case 0:
		return b

	case 1:
		if args[0] == nil {
			return b
		}
		p, ok, err := bindNamed(args[0])
		if err != nil {
			b.err = err
			return b
		}
		if !ok {
			b.err = fmt.Errorf("%w: Bind expects a struct, a map or key/value pairs (got %T)", ErrInvalidParameter, args[0])
			return b
		}
		for k, v := range p {
			if b.err = b.bind(k, v); b.err != nil {
				return b
			}
		}
		return b

	default:
		if len(args)%2 != 0 {
			b.err = fmt.Errorf("%w: Bind expects even number of args (key,value,...), got %d", ErrInvalidParameter, len(args))
			return b
		}
		for i := 0; i < len(args); i += 2 {
			k, ok := args[i].(string)
			if !ok || k == "" {
				b.err = fmt.Errorf("%w: Bind key at position %d must be a non-empty string (got %T)", ErrInvalidParameter, i, args[i])
				return b
			}
			if b.err = b.bind(k, ValueOf(args[i+1])); b.err != nil {
				return b
			}
		}
		return b
	}
}

// bind puts one value in the bag and claims its name, so fragments merged
// later are renamed around it. A name already carrying a merged fragment's
// value cannot be rebound.
func (b *Builder) bind(k string, v Value) error {
	if _, owned := b.params[k]; owned {
		return invalidParameter(k, "already bound by a fragment written with arguments")
	}
	b.ensureBag()[k] = v
	b.claimed[k] = struct{}{}
	return nil
}

// Template returns the composed template text and its parameters, with the
// Bind bag applied last.
func (b *Builder) Template() (string, Params, error) {
	if b.released {
		return "", nil, ErrBuilderReleased
	}
	if b.err != nil {
		return "", nil, b.err
	}
	params := make(Params, len(b.params)+len(b.bag))
	params.merge(b.params)
	params.merge(b.bag)
	return b.sb.String(), params, nil
}

// Build renders the statement and RELEASES the builder back into the pool.
// After Build(), the builder must not be used again.
func (b *Builder) Build() (string, []any, error) {
	defer b.Release()
	return b.Preview()
}

// Preview renders the SQL statement and bound args without releasing the Builder.
// Safe to call multiple times; identical to Build() except it does NOT Release().
//
// If the builder has already been released, it returns ErrBuilderReleased.
func (b *Builder) Preview() (string, []any, error) {
	tpl, params, err := b.Template()
	if err != nil {
		return "", nil, err
	}
	root, err := Parse(tpl, b.e.settings)
	if err != nil {
		return "", nil, err
	}
	return Render(root, params, b.e.settings)
}

// Release clears the builder and puts it back into the pool.
// It is safe to call Release multiple times; subsequent calls are no-ops.
func (b *Builder) Release() {
	if b.released {
		return
	}
	b.released = true
	b.sb.Reset()
	clear(b.claimed)
	clear(b.params)
	b.bag = nil
	b.err = nil
	b.e.pool.Put(b)
}

// ensureBag makes sure the builder has a bag for Bind(); creates if needed.
func (b *Builder) ensureBag() Params {
	if b.bag == nil {
		b.bag = make(Params, 8)
	}
	return b.bag
}

// --------------------------------
// Execution
// --------------------------------

// ExecContext builds and executes the statement with the provided context.
func (b *Builder) ExecContext(ctx context.Context, db Execer) (sql.Result, error) {
	q, args, err := b.Build()
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, q, args...)
}

// ScanOneContext builds and runs the statement, scanning exactly one row into dest.
// It returns sql.ErrNoRows if no rows are returned. It errors if more than one row.
func (b *Builder) ScanOneContext(ctx context.Context, db Queryer, dest any) error {
	q, args, err := b.Build()
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := scan.One(rows, dest); err != nil {
		return err
	}

	// Must be at most ONE row
	if rows.Next() {
		return ErrMoreThanOneRow
	}
	return rows.Err()
}

// ScanAllContext builds and runs the statement, scanning all rows into dest slice.
func (b *Builder) ScanAllContext(ctx context.Context, db Queryer, dest any) error {
	q, args, err := b.Build()
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	return scan.All(rows, dest)
}

// Exec is ExecContext with context.Background().
func (b *Builder) Exec(db Execer) (sql.Result, error) {
	return b.ExecContext(context.Background(), db)
}

// ScanOne is ScanOneContext with context.Background().
func (b *Builder) ScanOne(db Queryer, dest any) error {
	return b.ScanOneContext(context.Background(), db, dest)
}

// ScanAll is ScanAllContext with context.Background().
func (b *Builder) ScanAll(db Queryer, dest any) error {
	return b.ScanAllContext(context.Background(), db, dest)
}
