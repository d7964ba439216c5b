package driver

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/gandaldf/sqltpl"
)

// Classify maps a database error to a Kind. For KindQuery the second result
// reports whether the failure is transient (deadlock, serialization failure,
// lock contention).
func Classify(err error) (sqltpl.Kind, bool) {
	var (
		pgErr   *pgconn.PgError
		connErr *pgconn.ConnectError
		myErr   *mysql.MySQLError
		msErr   mssql.Error
		liteErr *sqlite.Error
		netErr  net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err):
		return sqltpl.KindTimeout, false
	case errors.As(err, &pgErr):
		return postgresKind(pgErr.Code)
	case errors.As(err, &myErr):
		return mysqlKind(myErr.Number)
	case errors.As(err, &msErr):
		return mssqlKind(msErr.Number)
	case errors.As(err, &liteErr):
		return sqliteKind(liteErr.Code())
	case errors.As(err, &connErr),
		errors.Is(err, sqldriver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, mysql.ErrInvalidConn):
		return sqltpl.KindConnection, false
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return sqltpl.KindTimeout, false
		}
		return sqltpl.KindConnection, false
	case errors.Is(err, sql.ErrTxDone):
		return sqltpl.KindTransaction, false
	}
	return sqltpl.KindQuery, false
}

func postgresKind(code string) (sqltpl.Kind, bool) {
	switch {
	case strings.HasPrefix(code, "08"), code == "57P01", code == "57P02", code == "57P03":
		return sqltpl.KindConnection, false
	case code == "53300":
		return sqltpl.KindPoolExhausted, false
	case code == "57014":
		return sqltpl.KindTimeout, false
	case code == "40001", code == "40P01", code == "55P03":
		return sqltpl.KindQuery, true
	}
	return sqltpl.KindQuery, false
}

func mysqlKind(n uint16) (sqltpl.Kind, bool) {
	switch n {
	case 1040, 1203: // too many connections
		return sqltpl.KindPoolExhausted, false
	case 1053: // server shutdown
		return sqltpl.KindConnection, false
	case 1159, 1161, 3024:
		return sqltpl.KindTimeout, false
	case 1205, 1213: // lock wait timeout, deadlock
		return sqltpl.KindQuery, true
	}
	return sqltpl.KindQuery, false
}

func mssqlKind(n int32) (sqltpl.Kind, bool) {
	switch n {
	case 40501, 40613:
		return sqltpl.KindConnection, false
	case 10928, 10929:
		return sqltpl.KindPoolExhausted, false
	case 1222: // lock request time out
		return sqltpl.KindTimeout, false
	case 1205: // deadlock victim
		return sqltpl.KindQuery, true
	}
	return sqltpl.KindQuery, false
}

func sqliteKind(code int) (sqltpl.Kind, bool) {
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return sqltpl.KindQuery, true
	}
	return sqltpl.KindQuery, false
}

// classify wraps a database error into a *sqltpl.Error carrying the rendered
// SQL. nil, sql.ErrNoRows and errors that already are *sqltpl.Error are
// returned unchanged.
func classify(err error, query string) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var p passthrough
	if errors.As(err, &p) {
		return p.err
	}
	var se *sqltpl.Error
	if errors.As(err, &se) {
		return err
	}
	kind, transient := Classify(err)
	return &sqltpl.Error{Kind: kind, Query: query, Transient: transient, Err: err}
}

// passthrough marks errors that did not come from the database (callbacks,
// scan destinations). They are returned as is and never retried.
type passthrough struct{ err error }

func (p passthrough) Error() string { return p.err.Error() }
func (p passthrough) Unwrap() error { return p.err }

// interrupted marks a database error after which the statement must not be
// attempted again, e.g. when rows were already delivered to a callback.
type interrupted struct{ err error }

func (i interrupted) Error() string { return i.err.Error() }
func (i interrupted) Unwrap() error { return i.err }
