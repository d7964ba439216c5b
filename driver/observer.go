package driver

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// QueryEvent describes one statement attempt.
type QueryEvent struct {
	ID       ulid.ULID
	DriverID uuid.UUID
	Query    string // rendered SQL
	Args     []any
	Attempt  int // 0 for the first attempt
	Duration time.Duration
	Replica  int // index of the replica used, -1 for the primary
	InTx     bool
	Pinned   bool
	Err      error
}

// Observer receives an event after every statement attempt. It is called
// synchronously on the calling goroutine and must not block.
type Observer interface {
	ObserveQuery(QueryEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(QueryEvent)

// ObserveQuery calls f(ev).
func (f ObserverFunc) ObserveQuery(ev QueryEvent) { f(ev) }

// LogObserver logs statements through logrus: failures at error level,
// statements slower than SlowThreshold at warn level, everything else at
// debug level.
type LogObserver struct {
	Logger        logrus.FieldLogger
	SlowThreshold time.Duration
}

// ObserveQuery implements Observer.
func (o LogObserver) ObserveQuery(ev QueryEvent) {
	log := o.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	entry := log.WithFields(logrus.Fields{
		"query_id": ev.ID.String(),
		"query":    ev.Query,
		"duration": ev.Duration,
		"attempt":  ev.Attempt,
		"replica":  ev.Replica,
		"tx":       ev.InTx,
	})
	switch {
	case ev.Err != nil && !errors.Is(ev.Err, sql.ErrNoRows):
		entry.WithError(ev.Err).Error("sqltpl: query failed")
	case o.SlowThreshold > 0 && ev.Duration >= o.SlowThreshold:
		entry.Warn("sqltpl: slow query")
	default:
		entry.Debug("sqltpl: query")
	}
}

type multiObserver []Observer

func (m multiObserver) ObserveQuery(ev QueryEvent) {
	for _, o := range m {
		o.ObserveQuery(ev)
	}
}
