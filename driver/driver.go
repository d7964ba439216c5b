// Package driver executes sqltpl templates against database/sql pools.
//
// A Driver owns one primary pool and any number of weighted read replicas.
// Reads are spread over the replicas unless a transaction is open or a
// connection is pinned, in which case every statement runs on that session.
// Transient failures outside a session are retried according to the
// RetryPolicy.
package driver

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/gandaldf/sqltpl"
)

// Driver runs templated statements. It is safe for concurrent use, but a
// transaction or pinned connection is shared by every goroutine using the
// Driver: statements on it are serialized.
type Driver struct {
	id             uuid.UUID
	primary        *sql.DB
	replicas       []replica
	picker         *picker
	engine         *sqltpl.Engine
	log            logrus.FieldLogger
	observer       Observer
	retry          RetryPolicy
	acquireTimeout time.Duration

	mu     sync.Mutex // guards tx, frames and pinned
	tx     *sql.Tx
	txConn *sql.Conn // connection owned by the root transaction, nil when pinned
	frames []string  // automatic savepoints of nested Begin calls
	pinned *sql.Conn

	session sync.Mutex // serializes statements on tx or pinned
}

// Option configures a Driver.
type Option func(*options)

type options struct {
	replicas       []replica
	retry          *RetryPolicy
	observers      []Observer
	logger         logrus.FieldLogger
	settings       *sqltpl.Settings
	engineCfg      sqltpl.Config
	acquireTimeout time.Duration
}

// WithReplica adds a read replica. Weight 0 counts as 1.
func WithReplica(db *sql.DB, weight uint32) Option {
	return func(o *options) { o.replicas = append(o.replicas, replica{db: db, weight: weight}) }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = &p }
}

// WithObserver adds an observer notified after every statement attempt.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithCache sizes the parsed-template cache.
func WithCache(shards, capacity int) Option {
	return func(o *options) {
		o.engineCfg.CacheShards = shards
		o.engineCfg.CacheCapacity = capacity
	}
}

// WithLimits overrides the placeholder limits of the dialect.
func WithLimits(maxParams, maxNameLen int) Option {
	return func(o *options) {
		o.engineCfg.MaxParams = maxParams
		o.engineCfg.MaxNameLen = maxNameLen
	}
}

// WithSettings replaces the dialect defaults entirely.
func WithSettings(s sqltpl.Settings) Option {
	return func(o *options) { o.settings = &s }
}

// WithAcquireTimeout bounds the wait for a pooled connection. It does not
// interrupt statements once they run.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.acquireTimeout = d }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	return o
}

// New returns a Driver over primary. The Driver takes ownership of primary
// and of every replica: Close closes them.
func New(primary *sql.DB, dialect sqltpl.Dialect, opts ...Option) *Driver {
	return newDriver(primary, dialect, buildOptions(opts))
}

func newDriver(primary *sql.DB, dialect sqltpl.Dialect, o options) *Driver {
	var engine *sqltpl.Engine
	if o.settings != nil {
		engine = sqltpl.NewWithSettings(*o.settings, sqltpl.NewCache(o.engineCfg.CacheShards, o.engineCfg.CacheCapacity))
	} else {
		engine = sqltpl.New(dialect, o.engineCfg)
	}
	retry := DefaultRetryPolicy
	if o.retry != nil {
		retry = *o.retry
	}
	d := &Driver{
		id:             uuid.New(),
		primary:        primary,
		replicas:       o.replicas,
		picker:         newPicker(o.replicas),
		engine:         engine,
		retry:          retry,
		acquireTimeout: o.acquireTimeout,
	}
	d.log = o.logger.WithFields(logrus.Fields{
		"driver_id": d.id.String(),
		"dialect":   engine.Dialect().String(),
	})
	switch len(o.observers) {
	case 0:
	case 1:
		d.observer = o.observers[0]
	default:
		d.observer = multiObserver(o.observers)
	}
	return d
}

// Open opens the primary and replica pools described by cfg and verifies
// that each is reachable, retrying with exponential backoff for at most
// cfg.ConnectTimeout. Options passed here override the ones derived from
// cfg.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Driver, error) {
	dialect, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	base := []Option{WithLimits(cfg.MaxParams, cfg.MaxNameLen), WithCache(cfg.Cache.Shards, cfg.Cache.Capacity)}
	if cfg.Retry != nil {
		base = append(base, WithRetryPolicy(cfg.Retry.Policy()))
	}
	if cfg.AcquireTimeout > 0 {
		base = append(base, WithAcquireTimeout(cfg.AcquireTimeout))
	}
	o := buildOptions(append(base, opts...))

	name := cfg.driverName(dialect)
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	log := o.logger.WithFields(logrus.Fields{"driver": name, "dialect": dialect.String()})

	primary, err := openDB(ctx, log, name, cfg.DSN, cfg.Pool, timeout)
	if err != nil {
		return nil, err
	}
	opened := []*sql.DB{primary}
	var fromCfg []replica
	for i, rc := range cfg.Replicas {
		db, err := openDB(ctx, log.WithField("replica", i), name, rc.DSN, rc.Pool, timeout)
		if err != nil {
			for _, db := range opened {
				_ = db.Close()
			}
			return nil, err
		}
		opened = append(opened, db)
		fromCfg = append(fromCfg, replica{db: db, weight: rc.Weight})
	}
	o.replicas = append(fromCfg, o.replicas...)
	d := newDriver(primary, dialect, o)
	d.log.WithField("replicas", len(d.replicas)).Info("sqltpl: connected")
	return d, nil
}

// openDB opens a pool and pings it until it answers, the error is not
// transient, or the connect timeout elapses.
func openDB(ctx context.Context, log logrus.FieldLogger, driverName, dsn string, pool PoolConfig, timeout time.Duration) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, sqltpl.NewError(sqltpl.KindConnection, "open "+driverName, err)
	}
	pool.apply(db)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	ping := func() error {
		err := classify(db.PingContext(ctx), "")
		if err != nil && !sqltpl.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("sqltpl: database not reachable yet")
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		_ = db.Close()
		if sqltpl.KindOf(err) == "" {
			err = sqltpl.NewError(sqltpl.KindConnection, "ping "+driverName, err)
		}
		return nil, err
	}
	return db, nil
}

// ID returns the identifier of the Driver, also carried by QueryEvents.
func (d *Driver) ID() uuid.UUID { return d.id }

// Engine returns the template engine, e.g. to start a Builder.
func (d *Driver) Engine() *sqltpl.Engine { return d.engine }

// Dialect returns the SQL dialect.
func (d *Driver) Dialect() sqltpl.Dialect { return d.engine.Dialect() }

// Ping verifies the primary and every replica.
func (d *Driver) Ping(ctx context.Context) error {
	if err := d.primary.PingContext(ctx); err != nil {
		return classify(err, "")
	}
	for _, r := range d.replicas {
		if err := r.db.PingContext(ctx); err != nil {
			return classify(err, "")
		}
	}
	return nil
}

// Stats is a snapshot of the Driver's pools and session state.
type Stats struct {
	Primary          sql.DBStats
	Replicas         []sql.DBStats
	Cache            sqltpl.CacheStats
	TransactionDepth int
	Pinned           bool
}

// Stats returns pool, cache and session statistics.
func (d *Driver) Stats() Stats {
	s := Stats{
		Primary: d.primary.Stats(),
		Cache:   d.engine.Cache().Stats(),
	}
	for _, r := range d.replicas {
		s.Replicas = append(s.Replicas, r.db.Stats())
	}
	d.mu.Lock()
	s.TransactionDepth = d.depthLocked()
	s.Pinned = d.pinned != nil
	d.mu.Unlock()
	return s
}

// Close rolls back an open transaction, releases the pinned connection and
// closes every pool.
func (d *Driver) Close() error {
	d.session.Lock()
	defer d.session.Unlock()

	var errs []error
	d.mu.Lock()
	tx, txConn, pinned := d.tx, d.txConn, d.pinned
	d.tx, d.txConn, d.frames, d.pinned = nil, nil, nil, nil
	d.mu.Unlock()

	if tx != nil {
		d.log.Warn("sqltpl: closing with an open transaction, rolling back")
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, err)
		}
	}
	if txConn != nil {
		errs = append(errs, txConn.Close())
	}
	if pinned != nil {
		errs = append(errs, pinned.Close())
	}
	errs = append(errs, d.primary.Close())
	for _, r := range d.replicas {
		errs = append(errs, r.db.Close())
	}
	return errors.Join(errs...)
}

// --------------------------------
// Connection selection
// --------------------------------

// querier is what statements run on: *sql.Conn or *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// lease is the connection a single statement attempt runs on.
type lease struct {
	q       querier
	replica int
	inTx    bool
	pinned  bool
	release func()
}

// run calls fn on the leased connection and releases it, even when fn
// panics.
func (l lease) run(ctx context.Context, fn func(ctx context.Context, q querier) error) error {
	defer l.release()
	return fn(ctx, l.q)
}

// session reports whether the lease is a transaction or pinned connection.
func (l lease) session() bool { return l.inTx || l.pinned }

// acquire selects the connection for one statement attempt. Inside a
// transaction or while pinned that is the session, otherwise a pooled
// connection of a replica (reads) or the primary.
func (d *Driver) acquire(ctx context.Context, read bool) (lease, error) {
	d.mu.Lock()
	busy := d.tx != nil || d.pinned != nil
	d.mu.Unlock()
	if busy {
		d.session.Lock()
		d.mu.Lock()
		tx, pinned := d.tx, d.pinned
		d.mu.Unlock()
		switch {
		case tx != nil:
			return lease{q: tx, replica: -1, inTx: true, pinned: pinned != nil, release: d.session.Unlock}, nil
		case pinned != nil:
			return lease{q: pinned, replica: -1, pinned: true, release: d.session.Unlock}, nil
		}
		// the session ended while waiting
		d.session.Unlock()
	}

	db, idx := d.primary, -1
	if read {
		if i := d.picker.next(); i >= 0 {
			db, idx = d.replicas[i].db, i
		}
	}
	conn, err := d.conn(ctx, db)
	if err != nil {
		return lease{}, err
	}
	return lease{q: conn, replica: idx, release: func() { _ = conn.Close() }}, nil
}

// conn takes a connection from db, waiting at most the acquire timeout.
func (d *Driver) conn(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	if d.acquireTimeout <= 0 {
		return db.Conn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, d.acquireTimeout)
	defer cancel()
	conn, err := db.Conn(actx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, sqltpl.NewError(sqltpl.KindPoolExhausted, "no connection available within "+d.acquireTimeout.String(), err)
	}
	return conn, err
}

// --------------------------------
// Statement loop
// --------------------------------

// run executes fn until it succeeds, fails with a non-retryable error, or
// the retry policy gives up. Retries never happen inside a session.
func (d *Driver) run(ctx context.Context, query string, args []any, read bool, fn func(ctx context.Context, q querier) error) error {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		l, err := d.acquire(ctx, read)
		if err == nil {
			err = l.run(ctx, fn)
		} else {
			l.replica = -1
		}

		final := false
		var intr interrupted
		if errors.As(err, &intr) {
			err, final = intr.err, true
		}
		var pt passthrough
		if errors.As(err, &pt) {
			final = true
		}
		err = classify(err, query)

		d.observe(QueryEvent{
			Query:    query,
			Args:     args,
			Attempt:  attempt,
			Duration: time.Since(start),
			Replica:  l.replica,
			InTx:     l.inTx,
			Pinned:   l.pinned,
			Err:      err,
		})
		if err == nil || final || l.session() {
			return err
		}
		wait, ok := d.retry.ShouldRetry(attempt, err)
		if !ok {
			return err
		}
		d.log.WithError(err).WithFields(logrus.Fields{
			"attempt":  attempt + 1,
			"retry_in": wait,
		}).Warn("sqltpl: transient failure, retrying")
		if sleep(ctx, wait) != nil {
			return err
		}
	}
}

func (d *Driver) observe(ev QueryEvent) {
	if d.observer == nil {
		return
	}
	ev.ID = ulid.Make()
	ev.DriverID = d.id
	d.observer.ObserveQuery(ev)
}
