package messaging

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Value is the argument and result type carried by calls. Only the variants
// declared in this package implement it, which keeps every walk over a value
// tree exhaustive.
type Value interface {
	value()
}

type (
	// Null is the JSON null.
	Null struct{}
	// Bool is a JSON boolean.
	Bool bool
	// Number is a JSON number.
	Number float64
	// String is a JSON string. Binary payloads travel as base64 strings.
	String string
	// Array is an ordered list of values.
	Array []Value
	// Map is a string keyed object.
	Map map[string]Value
	// Ref stands in for a function value inside serialized arguments. It is
	// only meaningful to the peer that allocated it, and only for the
	// lifetime of the call that carried it.
	Ref int
	// Func is a callable value. It never crosses the wire: outbound it is
	// replaced with a Ref, inbound a Ref is turned back into a Func that
	// calls the peer.
	Func func(ctx context.Context, args ...Value) (Value, error)
)

func (Null) value()   {}
func (Bool) value()   {}
func (Number) value() {}
func (String) value() {}
func (Array) value()  {}
func (Map) value()    {}
func (Ref) value()    {}
func (Func) value()   {}

// RefKey is the sentinel key of a Ref on the wire: {"__ref": n}. Map keys
// made of underscores followed by RefKey gain one more leading underscore
// on the wire, so no Map ever encodes as a Ref.
const RefKey = "__ref"

// refLike reports whether k is RefKey behind zero or more underscores.
func refLike(k string) bool {
	return strings.HasSuffix(k, RefKey) && strings.Trim(k, "_") == "ref"
}

func escapeKey(k string) string {
	if refLike(k) {
		return "_" + k
	}
	return k
}

func unescapeKey(k string) string {
	if refLike(k) && k != RefKey {
		return k[1:]
	}
	return k
}

var (
	ErrFuncOnWire       = fmt.Errorf("function values must be marshalled before encoding")
	ErrUnsupportedValue = fmt.Errorf("unsupported value type")
)

// From converts a Go value into a Value. Values that already implement
// Value are returned unchanged; plain functions with the Func signature are
// accepted as well.
func From(v interface{}) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		if t == nil {
			return Null{}, nil
		}
		return t, nil
	case func(context.Context, ...Value) (Value, error):
		return Func(t), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []byte:
		return String(encodeBody(t)), nil
	case int:
		return Number(t), nil
	case int32:
		return Number(t), nil
	case int64:
		return Number(t), nil
	case uint:
		return Number(t), nil
	case uint32:
		return Number(t), nil
	case uint64:
		return Number(t), nil
	case float32:
		return Number(t), nil
	case float64:
		return Number(t), nil
	case []interface{}:
		a := make(Array, len(t))
		for i, e := range t {
			ev, err := From(e)
			if err != nil {
				return nil, errors.Wrapf(err, "index %d", i)
			}
			a[i] = ev
		}
		return a, nil
	case []string:
		a := make(Array, len(t))
		for i, e := range t {
			a[i] = String(e)
		}
		return a, nil
	case map[string]interface{}:
		m := make(Map, len(t))
		for k, e := range t {
			ev, err := From(e)
			if err != nil {
				return nil, errors.Wrapf(err, "key %q", k)
			}
			m[k] = ev
		}
		return m, nil
	case map[string]string:
		m := make(Map, len(t))
		for k, e := range t {
			m[k] = String(e)
		}
		return m, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedValue, "%T", v)
	}
}

// MustFrom is From for values known to be convertible, such as literals in
// handlers and tests.
func MustFrom(v interface{}) Value {
	r, err := From(v)
	if err != nil {
		panic(err)
	}
	return r
}

// toWire converts a Value into the generic tree understood by the JSON
// encoder.
func toWire(v Value) (interface{}, error) {
	switch t := v.(type) {
	case nil, Null:
		return nil, nil
	case Bool:
		return bool(t), nil
	case Number:
		if math.IsNaN(float64(t)) || math.IsInf(float64(t), 0) {
			return nil, errors.Wrapf(ErrUnsupportedValue, "number %v", float64(t))
		}
		return float64(t), nil
	case String:
		return string(t), nil
	case Array:
		out := make([]interface{}, len(t))
		for i, e := range t {
			w, err := toWire(e)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case Map:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			w, err := toWire(e)
			if err != nil {
				return nil, err
			}
			out[escapeKey(k)] = w
		}
		return out, nil
	case Ref:
		return map[string]interface{}{RefKey: int(t)}, nil
	case Func:
		return nil, ErrFuncOnWire
	default:
		return nil, errors.Wrapf(ErrUnsupportedValue, "%T", v)
	}
}

// fromWire is the inverse of toWire. A map whose only key is RefKey with an
// integral number decodes as a Ref.
func fromWire(w interface{}) (Value, error) {
	switch t := w.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case string:
		return String(t), nil
	case []interface{}:
		a := make(Array, len(t))
		for i, e := range t {
			v, err := fromWire(e)
			if err != nil {
				return nil, err
			}
			a[i] = v
		}
		return a, nil
	case map[string]interface{}:
		if ref, ok := refFromWire(t); ok {
			return ref, nil
		}
		m := make(Map, len(t))
		for k, e := range t {
			v, err := fromWire(e)
			if err != nil {
				return nil, err
			}
			m[unescapeKey(k)] = v
		}
		return m, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedValue, "%T", w)
	}
}

func refFromWire(m map[string]interface{}) (Ref, bool) {
	if len(m) != 1 {
		return 0, false
	}
	n, ok := m[RefKey].(float64)
	if !ok || n < 0 || n != math.Trunc(n) {
		return 0, false
	}
	return Ref(n), true
}

// StringOf returns the string held by v, if any.
func StringOf(v Value) (string, bool) {
	s, ok := v.(String)
	return string(s), ok
}

// NumberOf returns the number held by v, if any.
func NumberOf(v Value) (float64, bool) {
	n, ok := v.(Number)
	return float64(n), ok
}
