package rpc

import (
	"sort"

	"github.com/focux/alchemy-sub001/messaging"

	"github.com/pkg/errors"
)

// refTable is the arena of local functions handed to the peer as arguments
// of one call. A Ref is an index into it; refs are never reused within a
// call and never shared between calls.
type refTable []messaging.Func

// ErrForeignRef is returned when arguments carry a Ref. Refs are allocated
// by the link; callers pass the Func itself.
var ErrForeignRef = errors.New("arguments must not contain refs")

// marshal returns v with every Func replaced by a Ref into t. Arrays and
// maps are copied so the caller's tree is left untouched.
func (t *refTable) marshal(v messaging.Value) (messaging.Value, error) {
	switch x := v.(type) {
	case nil:
		return messaging.Null{}, nil
	case messaging.Func:
		ref := messaging.Ref(len(*t))
		*t = append(*t, x)
		return ref, nil
	case messaging.Ref:
		return nil, errors.Wrapf(ErrForeignRef, "ref %d", int(x))
	case messaging.Array:
		out := make(messaging.Array, len(x))
		for i, e := range x {
			w, err := t.marshal(e)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case messaging.Map:
		out := make(messaging.Map, len(x))
		for _, k := range sortedKeys(x) {
			w, err := t.marshal(x[k])
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	default:
		return v, nil
	}
}

func (t *refTable) marshalArgs(args []messaging.Value) ([]messaging.Value, error) {
	out := make([]messaging.Value, len(args))
	for i, a := range args {
		w, err := t.marshal(a)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

// lookup resolves a Ref received in a Callback.
func (t refTable) lookup(ref messaging.Ref) (messaging.Func, bool) {
	if ref < 0 || int(ref) >= len(t) {
		return nil, false
	}
	return t[ref], true
}

// unmarshal returns v with every Ref replaced by the callable built by
// proxy. Arrays and maps keep their shape.
func unmarshal(v messaging.Value, proxy func(messaging.Ref) messaging.Func) messaging.Value {
	switch x := v.(type) {
	case nil:
		return messaging.Null{}
	case messaging.Ref:
		return proxy(x)
	case messaging.Array:
		out := make(messaging.Array, len(x))
		for i, e := range x {
			out[i] = unmarshal(e, proxy)
		}
		return out
	case messaging.Map:
		out := make(messaging.Map, len(x))
		for k, e := range x {
			out[k] = unmarshal(e, proxy)
		}
		return out
	default:
		return v
	}
}

func unmarshalArgs(args []messaging.Value, proxy func(messaging.Ref) messaging.Func) []messaging.Value {
	out := make([]messaging.Value, len(args))
	for i, a := range args {
		out[i] = unmarshal(a, proxy)
	}
	return out
}

func sortedKeys(m messaging.Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
