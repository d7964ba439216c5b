package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/gandaldf/sqltpl"
)

var (
	errNoTx        = &sqltpl.Error{Kind: sqltpl.KindTransaction, Msg: "no active transaction"}
	errTxSQLServer = &sqltpl.Error{Kind: sqltpl.KindTransaction, Msg: "sqlserver has no savepoint release"}
)

// Begin starts a transaction. The first call opens a database transaction
// on a pooled connection (or on the pinned one); nested calls create an
// automatic savepoint. Every Begin must be matched by Commit or Rollback.
func (d *Driver) Begin(ctx context.Context) error {
	d.session.Lock()
	defer d.session.Unlock()

	d.mu.Lock()
	tx, pinned, depth := d.tx, d.pinned, d.depthLocked()
	d.mu.Unlock()

	if tx != nil {
		name := "sp_" + strconv.Itoa(depth)
		if _, err := tx.ExecContext(ctx, d.savepointSQL(name)); err != nil {
			return txError("begin nested transaction", err)
		}
		d.mu.Lock()
		d.frames = append(d.frames, name)
		d.mu.Unlock()
		d.log.WithField("depth", depth+1).Debug("sqltpl: savepoint begin")
		return nil
	}

	conn := pinned
	if conn == nil {
		c, err := d.conn(ctx, d.primary)
		if err != nil {
			return classify(err, "")
		}
		conn = c
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		if conn != pinned {
			_ = conn.Close()
		}
		return txError("begin", err)
	}
	d.mu.Lock()
	d.tx = tx
	if conn != pinned {
		d.txConn = conn
	}
	d.mu.Unlock()
	d.log.WithField("pinned", pinned != nil).Debug("sqltpl: transaction begin")
	return nil
}

// Commit commits the innermost transaction level: it releases the automatic
// savepoint of a nested Begin or commits the database transaction.
func (d *Driver) Commit(ctx context.Context) error {
	return d.end(ctx, true)
}

// Rollback rolls back the innermost transaction level: to the automatic
// savepoint of a nested Begin, or the whole database transaction.
func (d *Driver) Rollback(ctx context.Context) error {
	return d.end(ctx, false)
}

func (d *Driver) end(ctx context.Context, commit bool) error {
	d.session.Lock()
	defer d.session.Unlock()

	d.mu.Lock()
	tx, n := d.tx, len(d.frames)
	d.mu.Unlock()
	if tx == nil {
		return errNoTx
	}

	if n > 0 {
		name := d.frames[n-1]
		var err error
		if commit {
			err = d.releaseSavepoint(ctx, name)
		} else {
			err = d.rollbackToSavepoint(ctx, name)
			if err == nil {
				err = d.releaseSavepoint(ctx, name)
			}
		}
		d.mu.Lock()
		d.frames = d.frames[:n-1]
		d.mu.Unlock()
		if err != nil {
			return txError("end nested transaction", err)
		}
		d.log.WithFields(logrus.Fields{"depth": n, "commit": commit}).Debug("sqltpl: savepoint end")
		return nil
	}

	op := "commit"
	var err error
	if commit {
		err = tx.Commit()
	} else {
		op = "rollback"
		err = tx.Rollback()
	}
	d.mu.Lock()
	conn := d.txConn
	d.tx, d.txConn, d.frames = nil, nil, nil
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if err != nil {
		return txError(op, err)
	}
	d.log.WithField("commit", commit).Debug("sqltpl: transaction end")
	return nil
}

// InTransaction reports whether a transaction is open.
func (d *Driver) InTransaction() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx != nil
}

// TransactionDepth returns 0 outside a transaction, 1 inside the database
// transaction and one more per nested Begin.
func (d *Driver) TransactionDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depthLocked()
}

func (d *Driver) depthLocked() int {
	if d.tx == nil {
		return 0
	}
	return 1 + len(d.frames)
}

// WithTransaction runs fn inside Begin/Commit. An error or a panic from fn
// rolls back instead; the panic is re-raised after the rollback.
func (d *Driver) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := d.Begin(ctx); err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := d.Rollback(ctx); rbErr != nil {
				d.log.WithError(rbErr).Error("sqltpl: rollback after panic failed")
			}
			panic(p)
		}
	}()
	if err := fn(ctx); err != nil {
		if rbErr := d.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return d.Commit(ctx)
}

// --------------------------------
// Savepoints
// --------------------------------

// Savepoint creates a named savepoint in the open transaction. It does not
// change TransactionDepth.
func (d *Driver) Savepoint(ctx context.Context, name string) error {
	if err := validSavepoint(name); err != nil {
		return err
	}
	return d.inTx(ctx, func(ctx context.Context) error {
		return d.execTx(ctx, d.savepointSQL(name))
	})
}

// RollbackToSavepoint rolls the open transaction back to a named savepoint.
func (d *Driver) RollbackToSavepoint(ctx context.Context, name string) error {
	if err := validSavepoint(name); err != nil {
		return err
	}
	return d.inTx(ctx, func(ctx context.Context) error {
		return d.rollbackToSavepoint(ctx, name)
	})
}

// ReleaseSavepoint releases a named savepoint. SQL Server has no release
// statement and returns an error.
func (d *Driver) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := validSavepoint(name); err != nil {
		return err
	}
	if d.Dialect() == sqltpl.SQLServer {
		return errTxSQLServer
	}
	return d.inTx(ctx, func(ctx context.Context) error {
		return d.releaseSavepoint(ctx, name)
	})
}

func (d *Driver) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	d.session.Lock()
	defer d.session.Unlock()
	if !d.InTransaction() {
		return errNoTx
	}
	if err := fn(ctx); err != nil {
		return txError("savepoint", err)
	}
	return nil
}

// execTx runs a statement on the open transaction. The caller holds the
// session lock.
func (d *Driver) execTx(ctx context.Context, stmt string) error {
	d.mu.Lock()
	tx := d.tx
	d.mu.Unlock()
	if tx == nil {
		return errNoTx
	}
	_, err := tx.ExecContext(ctx, stmt)
	return err
}

func (d *Driver) rollbackToSavepoint(ctx context.Context, name string) error {
	if d.Dialect() == sqltpl.SQLServer {
		return d.execTx(ctx, "ROLLBACK TRANSACTION "+name)
	}
	return d.execTx(ctx, "ROLLBACK TO SAVEPOINT "+name)
}

func (d *Driver) releaseSavepoint(ctx context.Context, name string) error {
	if d.Dialect() == sqltpl.SQLServer {
		return nil
	}
	return d.execTx(ctx, "RELEASE SAVEPOINT "+name)
}

func (d *Driver) savepointSQL(name string) string {
	if d.Dialect() == sqltpl.SQLServer {
		return "SAVE TRANSACTION " + name
	}
	return "SAVEPOINT " + name
}

func validSavepoint(name string) error {
	if !sqltpl.ValidIdentifier(name) || strings.Contains(name, ".") {
		return &sqltpl.Error{Kind: sqltpl.KindInvalidIdentifier, Name: name, Msg: "invalid savepoint name"}
	}
	return nil
}

func txError(op string, err error) error {
	var se *sqltpl.Error
	if errors.As(err, &se) {
		return err
	}
	kind, _ := Classify(err)
	if kind == sqltpl.KindQuery {
		kind = sqltpl.KindTransaction
	}
	return &sqltpl.Error{Kind: kind, Msg: fmt.Sprintf("%s failed", op), Err: err}
}
