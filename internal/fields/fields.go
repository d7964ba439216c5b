// Package fields resolves struct fields to column and parameter names.
//
// Names come from the `db` struct tag, or the Go field name when the tag is
// absent. Nested structs are flattened, time.Time and sql.Scanner types are
// leaves, and a name reachable through more than one path is ambiguous.
package fields

import (
	"database/sql"
	"errors"
	"reflect"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrAmbiguous is reported when a name resolves to more than one field.
var ErrAmbiguous = errors.New("sqltpl: ambiguous field name")

// DefaultCacheSize bounds the number of struct types whose layout is cached.
const DefaultCacheSize = 4096

// Info describes a leaf field.
type Info struct {
	Index     []int // index path from the root struct
	Scalar    bool  // `db:"name,scalar"`: never expanded as a list
	Ambiguous bool
}

var (
	scannerIface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	timeType     = reflect.TypeOf(time.Time{})
	layouts, _   = lru.New[reflect.Type, map[string]Info](DefaultCacheSize)
)

// ScannerType reports whether t (or *t) implements sql.Scanner.
func ScannerType(t reflect.Type) bool {
	return t.Implements(scannerIface) || reflect.PointerTo(t).Implements(scannerIface)
}

// Map returns the name → Info layout of t (a struct or pointer to struct).
// Other types have an empty layout. Results are cached per type and must
// not be modified.
func Map(t reflect.Type) map[string]Info {
	if m, ok := layouts.Get(t); ok {
		return m
	}
	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	w := walker{out: map[string]Info{}, active: map[reflect.Type]bool{}}
	if base.Kind() == reflect.Struct {
		w.walk(base, nil)
	}
	layouts.Add(t, w.out)
	return w.out
}

// walker flattens a struct type. active guards against recursive types.
type walker struct {
	out    map[string]Info
	active map[reflect.Type]bool
}

func (w *walker) walk(st reflect.Type, path []int) {
	if w.active[st] {
		return
	}
	w.active[st] = true
	defer delete(w.active, st)

	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if !f.IsExported() {
			continue
		}
		name, scalar, skip := parseTag(f)
		if skip {
			continue
		}
		idx := append(path[:len(path):len(path)], i)

		if nested, ok := flattenable(f.Type); ok {
			w.walk(nested, idx)
			continue
		}
		if _, dup := w.out[name]; dup {
			w.out[name] = Info{Ambiguous: true}
			continue
		}
		w.out[name] = Info{Index: idx, Scalar: scalar}
	}
}

// parseTag reads `db:"name,opts"`.
func parseTag(f reflect.StructField) (name string, scalar, skip bool) {
	tag := f.Tag.Get("db")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if strings.TrimSpace(opt) == "scalar" {
			scalar = true
		}
	}
	return name, scalar, false
}

// flattenable returns the struct type to descend into for a field of type
// ft, or false when the field is a leaf.
func flattenable(ft reflect.Type) (reflect.Type, bool) {
	if ScannerType(ft) {
		return nil, false
	}
	if ft.Kind() == reflect.Pointer {
		ft = ft.Elem()
	}
	if ft.Kind() != reflect.Struct || ft == timeType {
		return nil, false
	}
	return ft, true
}

// Indirect unwraps interfaces and pointers until a concrete value. A nil
// pointer or interface is returned as is.
func Indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

// ValueByPath returns the value at path below root. A nil pointer or
// interface on the way yields (nil, true), i.e. SQL NULL; a path that does
// not fit the value yields (nil, false).
func ValueByPath(root reflect.Value, path []int) (any, bool) {
	v := root
	for _, idx := range path {
		v = Indirect(v)
		if !v.IsValid() || v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
			// nil on the way
			return nil, v.IsValid()
		}
		if v.Kind() != reflect.Struct || idx >= v.NumField() {
			return nil, false
		}
		v = v.Field(idx)
	}
	if !v.IsValid() {
		return nil, false
	}
	for v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, true
		}
		v = v.Elem()
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, true
	}
	return v.Interface(), true
}

// FieldByIndexAlloc walks root (an addressable struct) along path and
// returns the leaf field, allocating nil intermediate pointers. The leaf
// itself is never allocated.
func FieldByIndexAlloc(root reflect.Value, path []int) reflect.Value {
	v := root
	last := len(path) - 1
	for i, idx := range path {
		v = v.Field(idx)
		if i == last {
			break
		}
		if v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
	}
	return v
}
