// Package scan maps result rows onto Go values: structs (via `db` tags),
// primitives, sql.Scanner implementations and column→value maps.
package scan

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gandaldf/sqltpl/internal/fields"
)

// Rows is the subset of *sql.Rows used by the scanners.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// ErrDest reports an unusable scan destination.
var ErrDest = errors.New("sqltpl: invalid scan destination")

// colKind classifies the strategy for scanning a result column into a struct field.
type colKind uint8

const (
	ckSink    colKind = iota // column is ignored, scan into sink
	ckScanner                // field implements sql.Scanner
	ckPtr                    // field is *T (we use a **T holder)
	ckValue                  // direct value field
)

var planCache, _ = lru.New[planKey, *plan](fields.DefaultCacheSize)

// One scans the current row into dest. It supports:
//   - pointer to Scanner types (with exactly one column)
//   - primitives (with exactly one column)
//   - structs (flattened mapping via `db` tags or field names)
func One(rows Rows, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: dest must be a non-nil pointer", ErrDest)
	}
	rv = rv.Elem()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	if fields.ScannerType(rv.Type()) || rv.Kind() != reflect.Struct || rv.Type().PkgPath() == "time" {
		if len(cols) != 1 {
			return fmt.Errorf("%w: %s requires 1 column, got %d", ErrDest, rv.Type(), len(cols))
		}
		return rows.Scan(rv.Addr().Interface())
	}

	p, err := getPlan(cols, rv.Type())
	if err != nil {
		return err
	}
	return p.scanInto(rows, p.newState(), rv)
}

// All scans every remaining row into a slice. It supports slices of structs,
// of *struct, and of primitives/Scanner types (with exactly one column).
func All(rows Rows, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: dest must be a non-nil pointer", ErrDest)
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Slice {
		return fmt.Errorf("%w: requires a pointer to slice", ErrDest)
	}
	if rv.Len() != 0 {
		rv.Set(rv.Slice(0, 0))
	}

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	elemT := rv.Type().Elem()
	isPtr := elemT.Kind() == reflect.Pointer
	structT := elemT
	if isPtr {
		structT = elemT.Elem()
	}

	if structT.Kind() != reflect.Struct || fields.ScannerType(structT) || structT.PkgPath() == "time" {
		if len(cols) != 1 {
			return fmt.Errorf("%w: slice of %s requires 1 column, got %d", ErrDest, elemT, len(cols))
		}
		for rows.Next() {
			item := reflect.New(elemT).Elem()
			if err := rows.Scan(item.Addr().Interface()); err != nil {
				return err
			}
			rv.Set(reflect.Append(rv, item))
		}
		return rows.Err()
	}

	p, err := getPlan(cols, structT)
	if err != nil {
		return err
	}
	st := p.newState()
	for rows.Next() {
		if isPtr {
			ptr := reflect.New(structT)
			if err := p.scanInto(rows, st, ptr.Elem()); err != nil {
				return err
			}
			rv.Set(reflect.Append(rv, ptr))
			continue
		}
		// add a zero element and populate the last one in place
		rv.Set(reflect.Append(rv, reflect.Zero(structT)))
		if err := p.scanInto(rows, st, rv.Index(rv.Len()-1)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Column scans the first column of every remaining row into a slice. Other
// columns are discarded.
func Column(rows Rows, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("%w: requires a pointer to slice", ErrDest)
	}
	rv = rv.Elem()
	rv.Set(rv.Slice(0, 0))

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("%w: no columns", ErrDest)
	}
	targets := make([]any, len(cols))
	for i := 1; i < len(cols); i++ {
		targets[i] = new(any)
	}
	elemT := rv.Type().Elem()
	for rows.Next() {
		item := reflect.New(elemT)
		targets[0] = item.Interface()
		if err := rows.Scan(targets...); err != nil {
			return err
		}
		rv.Set(reflect.Append(rv, item.Elem()))
	}
	return rows.Err()
}

// Map scans the current row into a column→value map. []byte values are
// converted to string.
func Map(rows Rows, cols []string) (map[string]any, error) {
	vals, err := Values(rows, len(cols))
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(cols))
	for i, c := range cols {
		out[c] = vals[i]
	}
	return out, nil
}

// Values scans the current row into a slice of n driver values, converting
// []byte to string.
func Values(rows Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return vals, nil
}

// --------------------------------
// Plan
// --------------------------------

// plan describes how to map each result column to a struct field (immutable).
// Mutable, per-scan buffers live in a state created via newState().
type plan struct {
	kinds    []colKind
	paths    [][]int
	ptrIdx   []int
	ptrTypes []reflect.Type // for ckPtr: the field type *T
}

// state holds per-scan mutable buffers. It is not shared across goroutines.
type state struct {
	targets []any
	sinks   []any
	holders []reflect.Value
}

// buildPlan determines, per column, whether to sink it, use sql.Scanner,
// treat it as *T or as a plain value.
func buildPlan(cols []string, dstT reflect.Type) (*plan, error) {
	fmap := fields.Map(dstT)
	p := &plan{
		kinds:    make([]colKind, len(cols)),
		paths:    make([][]int, len(cols)),
		ptrTypes: make([]reflect.Type, len(cols)),
	}
	for i, col := range cols {
		fi, ok := fmap[col]
		if !ok {
			continue // ckSink
		}
		if fi.Ambiguous {
			return nil, fmt.Errorf("%w: %q", fields.ErrAmbiguous, col)
		}
		ft := dstT.FieldByIndex(fi.Index).Type
		p.paths[i] = fi.Index
		switch {
		case fields.ScannerType(ft):
			p.kinds[i] = ckScanner
		case ft.Kind() == reflect.Pointer:
			p.kinds[i] = ckPtr
			p.ptrTypes[i] = ft
			p.ptrIdx = append(p.ptrIdx, i)
		default:
			p.kinds[i] = ckValue
		}
	}
	return p, nil
}

func (p *plan) newState() *state {
	n := len(p.kinds)
	st := &state{
		targets: make([]any, n),
		sinks:   make([]any, n),
		holders: make([]reflect.Value, n),
	}
	for i := 0; i < n; i++ {
		st.sinks[i] = new(any)
	}
	for _, i := range p.ptrIdx {
		st.holders[i] = reflect.New(p.ptrTypes[i]) // **T
	}
	return st
}

// scanInto scans the current row into dst using st's buffers.
func (p *plan) scanInto(rows Rows, st *state, dst reflect.Value) error {
	for i, k := range p.kinds {
		switch k {
		case ckSink:
			st.targets[i] = st.sinks[i]
		case ckScanner, ckValue:
			st.targets[i] = fields.FieldByIndexAlloc(dst, p.paths[i]).Addr().Interface()
		case ckPtr:
			h := st.holders[i]
			h.Elem().SetZero()
			st.targets[i] = h.Interface()
		}
	}
	if err := rows.Scan(st.targets...); err != nil {
		return err
	}
	for _, i := range p.ptrIdx {
		fields.FieldByIndexAlloc(dst, p.paths[i]).Set(st.holders[i].Elem())
	}
	return nil
}

// --------------------------------
// Cache
// --------------------------------

// planKey identifies a plan by destination struct type and column signature.
type planKey struct {
	dstType reflect.Type
	sig     string
}

// getPlan returns a cached plan for (dst struct type, cols), building it on a miss.
func getPlan(cols []string, dstT reflect.Type) (*plan, error) {
	key := planKey{dstType: dstT, sig: strings.Join(cols, "\x1f")}
	if p, ok := planCache.Get(key); ok {
		return p, nil
	}
	p, err := buildPlan(cols, dstT)
	if err != nil {
		return nil, err
	}
	planCache.Add(key, p)
	return p, nil
}

// compile-time check
var _ Rows = (*sql.Rows)(nil)
