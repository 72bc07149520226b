package flow

import "strings"

// field is one header as submitted: Name keeps the caller's casing for the
// wire, lookup is case-insensitive.
type field struct {
	Name  string
	Value string
}

// Headers is an ordered header list preserving insertion order and casing,
// used instead of a map so the wire order of caller-set headers survives
// serialization.
type Headers struct {
	fields []field
}

// NewHeaders returns an empty Headers.
func NewHeaders() *Headers { return &Headers{} }

// Get returns the first value for name (case-insensitive), or "" with ok=false.
func (h *Headers) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Has reports whether name is present, case-insensitively.
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Values returns every value set under name, case-insensitively, in order.
func (h *Headers) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set replaces any existing values for name with a single value.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Add appends a header, preserving any existing values under the same name
// (used for repeatable headers like Set-Cookie).
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, field{Name: name, Value: value})
}

// SetIfAbsent sets name only if it isn't already present, so a header the
// caller set explicitly is never overridden by an injected default.
func (h *Headers) SetIfAbsent(name, value string) {
	if !h.Has(name) {
		h.Add(name, value)
	}
}

// Del removes every header matching name, case-insensitively.
func (h *Headers) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Each iterates headers in wire order.
func (h *Headers) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.Name, f.Value)
	}
}

// Clone returns an independent copy.
func (h *Headers) Clone() *Headers {
	out := &Headers{fields: make([]field, len(h.fields))}
	copy(out.fields, h.fields)
	return out
}

// hasToken reports whether header name's comma-separated value list contains
// token, case-insensitively (used for Connection: close / keep-alive and
// Expect: 100-continue).
func (h *Headers) hasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
