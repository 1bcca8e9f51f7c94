package icap

import (
	"bytes"
	"strings"
)

// Headers is a multi-value, case-insensitive header map used for both ICAP
// and HTTP messages. Key lookup ignores case; the case of added keys is
// preserved for serialization. Values added under the same key accumulate,
// and wire output groups values by key in first-insertion order.
type Headers struct {
	keys []string
	m    map[string][]headerValue

	// last is the lowercased key of the most recent Add, the fold target
	// for continuation lines.
	last string
}

type headerValue struct {
	key   string
	value string
}

// NewHeaders returns an empty Headers. The optional pairs are added in
// order; the argument count must be even.
func NewHeaders(pairs ...string) *Headers {
	if len(pairs)%2 != 0 {
		panic("icap: NewHeaders requires an even number of arguments")
	}
	h := &Headers{m: make(map[string][]headerValue)}
	for i := 0; i < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

// Add appends value under key, preserving the case of key.
func (h *Headers) Add(key, value string) {
	lkey := strings.ToLower(key)
	if _, ok := h.m[lkey]; !ok {
		h.keys = append(h.keys, lkey)
	}
	h.m[lkey] = append(h.m[lkey], headerValue{key: key, value: value})
	h.last = lkey
}

// Get returns the first value stored under key, or "" if absent.
func (h *Headers) Get(key string) string {
	vs := h.m[strings.ToLower(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0].value
}

// Values returns all values stored under key, in insertion order.
func (h *Headers) Values(key string) []string {
	vs := h.m[strings.ToLower(key)]
	if len(vs) == 0 {
		return nil
	}
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.value
	}
	return out
}

// Has reports whether any value is stored under key.
func (h *Headers) Has(key string) bool {
	_, ok := h.m[strings.ToLower(key)]
	return ok
}

// Replace drops all values under key and stores value alone.
func (h *Headers) Replace(key, value string) {
	lkey := strings.ToLower(key)
	if _, ok := h.m[lkey]; !ok {
		h.keys = append(h.keys, lkey)
	}
	h.m[lkey] = []headerValue{{key: key, value: value}}
	h.last = lkey
}

// Del removes all values under key.
func (h *Headers) Del(key string) {
	lkey := strings.ToLower(key)
	if _, ok := h.m[lkey]; !ok {
		return
	}
	delete(h.m, lkey)
	for i, k := range h.keys {
		if k == lkey {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of distinct keys.
func (h *Headers) Len() int {
	return len(h.keys)
}

// Keys returns the lowercased keys in first-insertion order.
func (h *Headers) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

// Equal reports whether h and other hold the same keys in the same order
// with the same values.
func (h *Headers) Equal(other *Headers) bool {
	if len(h.keys) != len(other.keys) {
		return false
	}
	for i, k := range h.keys {
		if other.keys[i] != k {
			return false
		}
		a, b := h.m[k], other.m[k]
		if len(a) != len(b) {
			return false
		}
		for j := range a {
			if a[j] != b[j] {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy of h.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	for _, k := range h.keys {
		for _, v := range h.m[k] {
			c.Add(v.key, v.value)
		}
	}
	return c
}

// Bytes serializes the headers for the wire: one "Key: value\r\n" line per
// value, grouped by key in insertion order. Empty Headers yield nil.
func (h *Headers) Bytes() []byte {
	if h == nil || len(h.keys) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, k := range h.keys {
		for _, v := range h.m[k] {
			buf.WriteString(v.key)
			buf.WriteString(": ")
			buf.WriteString(v.value)
			buf.WriteString("\r\n")
		}
	}
	return buf.Bytes()
}

// appendToLast folds a continuation line into the most recently added
// value, joined with a single space. No-op on empty Headers.
func (h *Headers) appendToLast(s string) {
	vs := h.m[h.last]
	if len(vs) == 0 {
		return
	}
	vs[len(vs)-1].value += " " + s
}
