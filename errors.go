package sqltpl

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gandaldf/sqltpl/internal/fields"
	"github.com/gandaldf/sqltpl/internal/scan"
)

// Kind is a stable, language-agnostic code identifying the class of an Error.
type Kind string

const (
	KindParse              Kind = "parse"
	KindMissingPlaceholder Kind = "missing_placeholder"
	KindInvalidParameter   Kind = "invalid_parameter"
	KindTooManyParams      Kind = "too_many_params"
	KindConnection         Kind = "connection"
	KindPoolExhausted      Kind = "pool_exhausted"
	KindTimeout            Kind = "timeout"
	KindQuery              Kind = "query"
	KindTransaction        Kind = "transaction"
	KindInvalidIdentifier  Kind = "invalid_identifier"
	KindColumnNotFound     Kind = "column_not_found"
)

var (
	ErrParse              = errors.New("sqltpl: parse error")
	ErrMissingPlaceholder = errors.New("sqltpl: missing placeholder")
	ErrInvalidParameter   = errors.New("sqltpl: invalid parameter")
	ErrTooManyParams      = errors.New("sqltpl: too many parameters")
	ErrConnection         = errors.New("sqltpl: connection error")
	ErrPoolExhausted      = errors.New("sqltpl: pool exhausted")
	ErrTimeout            = errors.New("sqltpl: timeout")
	ErrQuery              = errors.New("sqltpl: query error")
	ErrTransaction        = errors.New("sqltpl: transaction error")
	ErrInvalidIdentifier  = errors.New("sqltpl: invalid identifier")
	ErrColumnNotFound     = errors.New("sqltpl: column not found")

	ErrParamNameTooLong = errors.New("sqltpl: parameter name too long")
	ErrFieldAmbiguous   = fields.ErrAmbiguous
	ErrScanDest         = scan.ErrDest
	ErrBuilderReleased  = errors.New("sqltpl: builder already released; call Write() on *Engine for a new query")
	ErrMoreThanOneRow   = errors.New("sqltpl: more than one row")
)

var kindSentinels = map[Kind]error{
	KindParse:              ErrParse,
	KindMissingPlaceholder: ErrMissingPlaceholder,
	KindInvalidParameter:   ErrInvalidParameter,
	KindTooManyParams:      ErrTooManyParams,
	KindConnection:         ErrConnection,
	KindPoolExhausted:      ErrPoolExhausted,
	KindTimeout:            ErrTimeout,
	KindQuery:              ErrQuery,
	KindTransaction:        ErrTransaction,
	KindInvalidIdentifier:  ErrInvalidIdentifier,
	KindColumnNotFound:     ErrColumnNotFound,
}

// Error is the error type returned by every layer of the module.
//
// Name carries the offending placeholder, identifier or column when there is
// one. Query carries the template text for parse errors and the rendered SQL
// for query errors. Transient is set by driver classification for query
// errors that are safe to retry (deadlocks, serialization failures).
type Error struct {
	Kind      Kind
	Name      string
	Query     string
	Msg       string
	Transient bool
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if s, ok := kindSentinels[e.Kind]; ok {
		b.WriteString(s.Error())
	} else {
		b.WriteString("sqltpl: ")
		b.WriteString(string(e.Kind))
	}
	if e.Name != "" {
		b.WriteString(": ")
		b.WriteString(strconv.Quote(e.Name))
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind, so errors.Is(err, ErrTimeout)
// works for every *Error of KindTimeout.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err is eligible for a retry: connection
// failures, pool exhaustion and timeouts always are, query errors only when
// the driver marked them transient.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindConnection, KindPoolExhausted, KindTimeout:
		return true
	case KindQuery:
		return e.Transient
	}
	return false
}

// NewError builds an *Error of the given kind wrapping cause.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func parseError(query string, pos int, msg string) *Error {
	return &Error{Kind: KindParse, Query: query, Msg: msg + " at offset " + strconv.Itoa(pos)}
}

func missingPlaceholder(name string) *Error {
	return &Error{Kind: KindMissingPlaceholder, Name: name}
}

func invalidParameter(name, msg string) *Error {
	return &Error{Kind: KindInvalidParameter, Name: name, Msg: msg}
}
