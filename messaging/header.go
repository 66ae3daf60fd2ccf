package messaging

import (
	"net/http"
	"sort"

	"github.com/pkg/errors"
)

// Header is a single [name, value] pair.
type Header [2]string

func (h Header) Name() string  { return h[0] }
func (h Header) Value() string { return h[1] }

// Headers is an ordered list of header pairs. Unlike a map it keeps
// duplicate names and their order.
type Headers []Header

// HeadersFrom flattens an http.Header. Names are emitted in sorted order and
// the values of each name keep their original order.
func HeadersFrom(h http.Header) Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(Headers, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, Header{name, v})
		}
	}
	return out
}

// HTTP rebuilds an http.Header, appending duplicates in order.
func (hs Headers) HTTP() http.Header {
	h := make(http.Header, len(hs))
	for _, p := range hs {
		h.Add(p[0], p[1])
	}
	return h
}

// Values returns every value for name, in order. Matching is case
// insensitive, as in HTTP.
func (hs Headers) Values(name string) []string {
	canonical := http.CanonicalHeaderKey(name)
	var out []string
	for _, p := range hs {
		if http.CanonicalHeaderKey(p[0]) == canonical {
			out = append(out, p[1])
		}
	}
	return out
}

// Value converts the list into an Array of two element Arrays.
func (hs Headers) Value() Value {
	a := make(Array, len(hs))
	for i, p := range hs {
		a[i] = Array{String(p[0]), String(p[1])}
	}
	return a
}

// HeadersOf is the inverse of Headers.Value.
func HeadersOf(v Value) (Headers, error) {
	switch t := v.(type) {
	case nil, Null:
		return nil, nil
	case Array:
		out := make(Headers, 0, len(t))
		for i, e := range t {
			pair, ok := e.(Array)
			if !ok || len(pair) != 2 {
				return nil, errors.Errorf("header %d is not a [name, value] pair", i)
			}
			name, ok1 := pair[0].(String)
			val, ok2 := pair[1].(String)
			if !ok1 || !ok2 {
				return nil, errors.Errorf("header %d is not a pair of strings", i)
			}
			out = append(out, Header{string(name), string(val)})
		}
		return out, nil
	default:
		return nil, errors.Errorf("headers must be an array, got %T", v)
	}
}
