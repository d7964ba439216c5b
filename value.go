package sqltpl

import (
	"database/sql/driver"
	"encoding/json"
	"reflect"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindObject
	KindOpaque // time.Time, driver.Valuer, Scalar-wrapped values
	KindFragment
)

var valueKindNames = [...]string{"null", "bool", "int", "float", "string", "bytes", "array", "object", "opaque", "fragment"}

// String returns the name of the kind.
func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return "unknown"
}

// Value is a bound parameter. Scalars keep the Go value they were built
// from so the driver receives it unchanged.
type Value struct {
	kind  ValueKind
	v     any
	items []Value
	frag  Fragment
}

// Params maps placeholder names to bound values. Positional values use
// their 1-based ordinal as name.
type Params map[string]Value

// P is a convenient alias for map[string]any to use with Bind().
type P = map[string]any

// scalar is a wrapper to force scalar binding semantics.
type scalar struct {
	v any
}

// Scalar wraps a value to force it to be treated as a single scalar argument
// even if it is a slice/array. Useful for ANY(:ids)-style idioms.
func Scalar(v any) any {
	return scalar{v: v}
}

var (
	timeType   = reflect.TypeOf(time.Time{})
	valuerType = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	bytesType  = reflect.TypeOf([]byte(nil))
)

// Null returns the SQL NULL value.
func Null() Value { return Value{kind: KindNull} }

// Array builds an array value from Go values.
func Array(items ...any) Value {
	out := make([]Value, len(items))
	for i, it := range items {
		out[i] = ValueOf(it)
	}
	return Value{kind: KindArray, items: out}
}

// ValueOf converts a Go value into a Value:
//   - nil and nil pointers → Null
//   - Fragment variants → Fragment
//   - Scalar(...), driver.Valuer and time.Time → Opaque (one placeholder)
//   - bool, integers, floats, strings, []byte (and aliases) → their scalar kind
//   - slices and arrays → Array (elements converted recursively)
//   - maps and structs → Object (bound as JSON)
func ValueOf(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case Fragment:
		return fragmentValue(x)
	case scalar:
		if x.v == nil {
			return Null()
		}
		return Value{kind: KindOpaque, v: x.v}
	case driver.Valuer:
		if rv := reflect.ValueOf(x); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return Null()
		}
		return Value{kind: KindOpaque, v: x}
	case time.Time:
		return Value{kind: KindOpaque, v: x}
	case bool:
		return Value{kind: KindBool, v: x}
	case string:
		return Value{kind: KindString, v: x}
	case []byte:
		if x == nil {
			return Null()
		}
		return Value{kind: KindBytes, v: x}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Value{kind: KindInt, v: x}
	case float32, float64:
		return Value{kind: KindFloat, v: x}
	case []any:
		return Array(x...)
	}
	return valueOfReflect(reflect.ValueOf(v), v)
}

// fragmentValue normalizes pointer fragments to their value form.
func fragmentValue(f Fragment) Value {
	switch x := f.(type) {
	case *Pagination:
		if x == nil {
			return Null()
		}
		f = *x
	case *OrderBy:
		if x == nil {
			return Null()
		}
		f = *x
	case *SelectList:
		if x == nil {
			return Null()
		}
		f = *x
	}
	return Value{kind: KindFragment, frag: f}
}

func valueOfReflect(rv reflect.Value, orig any) Value {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return Null()
		}
		rv = rv.Elem()
		if rv.CanInterface() && rv.Kind() != reflect.Pointer && rv.Kind() != reflect.Interface {
			// Re-dispatch so *time.Time, *string, ... hit the fast cases.
			return ValueOf(rv.Interface())
		}
	}
	switch rv.Kind() {
	case reflect.Bool:
		return Value{kind: KindBool, v: orig}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Value{kind: KindInt, v: orig}
	case reflect.Float32, reflect.Float64:
		return Value{kind: KindFloat, v: orig}
	case reflect.String:
		return Value{kind: KindString, v: rv.String()}
	case reflect.Slice:
		if rv.IsNil() {
			return Null()
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			// Byte-slice aliases bind as []byte, never expand.
			return Value{kind: KindBytes, v: rv.Convert(bytesType).Interface()}
		}
		return arrayOfReflect(rv)
	case reflect.Array:
		return arrayOfReflect(rv)
	case reflect.Map, reflect.Struct:
		return Value{kind: KindObject, v: orig}
	}
	return Value{kind: KindOpaque, v: orig}
}

func arrayOfReflect(rv reflect.Value) Value {
	ln := rv.Len()
	out := make([]Value, ln)
	for i := 0; i < ln; i++ {
		out[i] = ValueOf(rv.Index(i).Interface())
	}
	return Value{kind: KindArray, items: out}
}

// Kind returns the variant held by v.
func (v Value) Kind() ValueKind { return v.kind }

// Len returns the number of items of an Array, 0 otherwise.
func (v Value) Len() int { return len(v.items) }

// Items returns the elements of an Array.
func (v Value) Items() []Value { return v.items }

// Fragment returns the rendered fragment held by v, or nil.
func (v Value) Fragment() Fragment { return v.frag }

// Interface returns the Go value v was built from. Arrays return []any.
func (v Value) Interface() any {
	switch v.kind {
	case KindArray:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.Interface()
		}
		return out
	case KindFragment:
		return v.frag
	}
	return v.v
}

// IsEmpty reports whether v counts as "not supplied" for conditional blocks
// and required placeholders. Only Null, zero-length arrays and fragments
// without items are empty; zero numbers, false and "" are not.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindArray:
		return len(v.items) == 0
	case KindFragment:
		return v.frag == nil || v.frag.empty()
	}
	return false
}

// arg returns the driver argument for a scalar value.
func (v Value) arg() (any, error) {
	if v.kind == KindObject {
		b, err := json.Marshal(v.v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v.v, nil
}
