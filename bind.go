package sqltpl

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/gandaldf/sqltpl/internal/fields"
)

// Bind converts Go arguments into Params. Supported forms:
//   - no arguments (empty Params)
//   - a single Params, map[string]any or any map with string-like keys (named)
//   - a single map with integer keys: 0-based, shifted to ordinals "1".."n"
//   - a single struct (or pointer) with `db` tags, flattened through nested
//     structs; `db:"name,scalar"` forces scalar binding
//   - anything else: positional values bound to "1".."n"
func Bind(args ...any) (Params, error) {
	if len(args) == 0 {
		return Params{}, nil
	}
	if len(args) == 1 {
		if p, ok, err := bindNamed(args[0]); ok || err != nil {
			return p, err
		}
	}
	p := make(Params, len(args))
	for i, a := range args {
		p[strconv.Itoa(i+1)] = ValueOf(a)
	}
	return p, nil
}

// bindNamed binds a single named source. ok is false when in is not a named
// source and must be bound positionally.
func bindNamed(in any) (Params, bool, error) {
	switch x := in.(type) {
	case nil:
		return nil, false, nil
	case Params:
		out := make(Params, len(x))
		for k, v := range x {
			out[k] = v
		}
		return out, true, nil
	case map[string]any:
		out := make(Params, len(x))
		for k, v := range x {
			out[k] = ValueOf(v)
		}
		return out, true, nil
	case map[int]any:
		out := make(Params, len(x))
		for k, v := range x {
			if k < 0 {
				return nil, true, invalidParameter(strconv.Itoa(k), "positional index must not be negative")
			}
			out[strconv.Itoa(k+1)] = ValueOf(v)
		}
		return out, true, nil
	case Fragment, scalar:
		return nil, false, nil
	}

	rv := fields.Indirect(reflect.ValueOf(in))
	if !rv.IsValid() {
		return nil, false, nil
	}
	switch rv.Kind() {
	case reflect.Map:
		return bindMap(rv)
	case reflect.Struct:
		if rv.Type() == timeType || rv.Type().Implements(valuerType) || reflect.PointerTo(rv.Type()).Implements(valuerType) {
			return nil, false, nil
		}
		return bindStruct(rv), true, nil
	}
	return nil, false, nil
}

func bindMap(rv reflect.Value) (Params, bool, error) {
	keyT := rv.Type().Key()
	out := make(Params, rv.Len())
	switch keyT.Kind() {
	case reflect.String:
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = ValueOf(iter.Value().Interface())
		}
		return out, true, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().Int()
			if k < 0 {
				return nil, true, invalidParameter(strconv.FormatInt(k, 10), "positional index must not be negative")
			}
			out[strconv.FormatInt(k+1, 10)] = ValueOf(iter.Value().Interface())
		}
		return out, true, nil
	case reflect.Interface:
		iter := rv.MapRange()
		for iter.Next() {
			k := fields.Indirect(iter.Key())
			if k.Kind() != reflect.String {
				return nil, true, invalidParameter(fmt.Sprint(k.Interface()), "map key must be a string")
			}
			out[k.String()] = ValueOf(iter.Value().Interface())
		}
		return out, true, nil
	}
	return nil, true, fmt.Errorf("%w: unsupported map key type %s", ErrInvalidParameter, keyT)
}

// bindStruct binds every resolvable field. Ambiguous names are left unbound
// and surface as missing placeholders if the template uses them.
func bindStruct(rv reflect.Value) Params {
	m := fields.Map(rv.Type())
	out := make(Params, len(m))
	for name, fi := range m {
		if fi.Ambiguous {
			continue
		}
		v, ok := fields.ValueByPath(rv, fi.Index)
		if !ok {
			continue
		}
		if fi.Scalar {
			out[name] = ValueOf(scalar{v: v})
			continue
		}
		out[name] = ValueOf(v)
	}
	return out
}

// merge copies src into dst, overwriting existing keys.
func (p Params) merge(src Params) {
	for k, v := range src {
		p[k] = v
	}
}
