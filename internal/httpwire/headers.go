package httpwire

import "strings"

// RawHeaderPair is a single (name, value) header as it appeared on the
// wire, with the caller-supplied case preserved.
type RawHeaderPair struct {
	Name  string
	Value string
}

// RawHeaders is an ordered sequence of header pairs. It is the
// source of truth for everything that touches the wire; the lowercased
// multi-valued Headers map is derived from it for convenient lookup.
//
// Concatenating Name+": "+Value+"\r\n" for every pair, in order,
// reproduces the original wire bytes modulo whitespace folding —
// this is the invariant spec.md §8 pins down.
type RawHeaders []RawHeaderPair

// Add appends a header pair, preserving the caller's case.
func (h *RawHeaders) Add(name, value string) {
	*h = append(*h, RawHeaderPair{Name: name, Value: value})
}

// Get returns the first value for name, case-insensitive, or "".
func (h RawHeaders) Get(name string) string {
	for _, p := range h {
		if strings.EqualFold(p.Name, name) {
			return p.Value
		}
	}
	return ""
}

// Values returns every value for name, case-insensitive, in wire order.
func (h RawHeaders) Values(name string) []string {
	var out []string
	for _, p := range h {
		if strings.EqualFold(p.Name, name) {
			out = append(out, p.Value)
		}
	}
	return out
}

// Del removes every pair matching name, case-insensitive.
func (h *RawHeaders) Del(name string) {
	filtered := (*h)[:0]
	for _, p := range *h {
		if !strings.EqualFold(p.Name, name) {
			filtered = append(filtered, p)
		}
	}
	*h = filtered
}

// Set replaces all values for name with a single value, preserving the
// position of the first existing occurrence (or appending if absent).
func (h *RawHeaders) Set(name, value string) {
	replaced := false
	out := make(RawHeaders, 0, len(*h)+1)
	for _, p := range *h {
		if strings.EqualFold(p.Name, name) {
			if !replaced {
				out = append(out, RawHeaderPair{Name: name, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, p)
	}
	if !replaced {
		out = append(out, RawHeaderPair{Name: name, Value: value})
	}
	*h = out
}

// Clone returns an independent copy.
func (h RawHeaders) Clone() RawHeaders {
	out := make(RawHeaders, len(h))
	copy(out, h)
	return out
}

// Map folds the ordered raw headers into a lowercased, multi-valued map —
// the "headers" field of spec.md §3's request/response record, used by
// case-insensitive matchers and lookups. The ordered RawHeaders remains
// the only case-sensitive, order-preserving view.
func (h RawHeaders) Map() map[string][]string {
	m := make(map[string][]string, len(h))
	for _, p := range h {
		key := strings.ToLower(p.Name)
		m[key] = append(m[key], p.Value)
	}
	return m
}
