package driver

import (
	"context"

	"github.com/gandaldf/sqltpl"
)

// Pin reserves one primary connection for every following statement until
// Unpin, e.g. for session variables or temporary tables. A Driver pins at
// most one connection, and not while a transaction is open.
func (d *Driver) Pin(ctx context.Context) error {
	d.session.Lock()
	defer d.session.Unlock()

	d.mu.Lock()
	pinned, tx := d.pinned != nil, d.tx != nil
	d.mu.Unlock()
	switch {
	case pinned:
		return &sqltpl.Error{Kind: sqltpl.KindTransaction, Msg: "a connection is already pinned"}
	case tx:
		return &sqltpl.Error{Kind: sqltpl.KindTransaction, Msg: "cannot pin inside a transaction"}
	}

	conn, err := d.conn(ctx, d.primary)
	if err != nil {
		return classify(err, "")
	}
	d.mu.Lock()
	d.pinned = conn
	d.mu.Unlock()
	d.log.Debug("sqltpl: connection pinned")
	return nil
}

// Unpin returns the pinned connection to the pool.
func (d *Driver) Unpin() error {
	d.session.Lock()
	defer d.session.Unlock()

	d.mu.Lock()
	conn, tx := d.pinned, d.tx
	if conn == nil || tx != nil {
		d.mu.Unlock()
		if conn == nil {
			return &sqltpl.Error{Kind: sqltpl.KindTransaction, Msg: "no pinned connection"}
		}
		return &sqltpl.Error{Kind: sqltpl.KindTransaction, Msg: "cannot unpin inside a transaction"}
	}
	d.pinned = nil
	d.mu.Unlock()

	d.log.Debug("sqltpl: connection unpinned")
	return conn.Close()
}

// Pinned reports whether a connection is pinned.
func (d *Driver) Pinned() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pinned != nil
}

// WithPinned runs fn with a pinned connection and unpins afterwards.
func (d *Driver) WithPinned(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := d.Pin(ctx); err != nil {
		return err
	}
	defer func() {
		if err := d.Unpin(); err != nil {
			d.log.WithError(err).Error("sqltpl: unpin failed")
		}
	}()
	return fn(ctx)
}
