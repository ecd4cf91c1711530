// Package httpwire holds the wire-level request/response model: ordered
// raw headers, a deferred body reader, timing events, and tags — the
// data model spec.md §3 defines, independent of how the bytes were
// parsed (HTTP/1, HTTP/2, or synthesized by a step executor).
package httpwire

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimingEvent names one of the named epoch timestamps spec.md §3 tracks
// against a request's lifecycle.
type TimingEvent string

const (
	TimingStart            TimingEvent = "startTime"
	TimingBodyReceived     TimingEvent = "bodyReceivedTime"
	TimingHeadersSent      TimingEvent = "headersSentTime"
	TimingResponseSent     TimingEvent = "responseSentTime"
	TimingAborted          TimingEvent = "abortedTime"
)

// Timings is a thread-safe named-timestamp recorder. Multiple goroutines
// touch a single request (the acceptor that parsed it, the rule engine,
// the step executor, the event bus) so writes are synchronized.
type Timings struct {
	mu     sync.Mutex
	events map[TimingEvent]time.Time
}

func NewTimings() *Timings {
	return &Timings{events: make(map[TimingEvent]time.Time, 5)}
}

// Mark records now() against name, the first time it's called for that
// name (subsequent calls are no-ops — a timing event fires once).
func (t *Timings) Mark(name TimingEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.events[name]; ok {
		return
	}
	t.events[name] = time.Now()
}

// At returns the recorded time for name and whether it has fired yet.
func (t *Timings) At(name TimingEvent) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.events[name]
	return v, ok
}

// Snapshot returns a copy of all timing events recorded so far.
func (t *Timings) Snapshot() map[TimingEvent]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[TimingEvent]time.Time, len(t.events))
	for k, v := range t.events {
		out[k] = v
	}
	return out
}

// TagSet is a thread-safe set of request/response tags (e.g.
// "passthrough-tls-error:unknown-ca"). Multiple pipeline stages append
// tags concurrently — matcher evaluation, step execution, passthrough —
// so TagSet serializes both appends and ordered reads.
type TagSet struct {
	mu   sync.Mutex
	list []string
	seen map[string]bool
}

func NewTagSet() *TagSet {
	return &TagSet{seen: make(map[string]bool)}
}

// Add appends tag if it is not already present, preserving insertion
// order — the order callers observe in practice (spec.md §9's open
// question about passthrough-tls-error vs. passthrough-error ordering)
// is exactly this insertion order.
func (t *TagSet) Add(tag string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[tag] {
		return
	}
	t.seen[tag] = true
	t.list = append(t.list, tag)
}

// List returns a snapshot of the tags in insertion order.
func (t *TagSet) List() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.list))
	copy(out, t.list)
	return out
}

// Has reports whether tag has been added.
func (t *TagSet) Has(tag string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen[tag]
}

// Destination is the (hostname, port) pair a request is addressed to —
// either its own origin (for passthrough) or a step's forward target.
type Destination struct {
	Hostname string
	Port     int
}

// Request is the immutable-once-fully-received request record of
// spec.md §3. Fields that can still change while the request streams in
// (Body, Timings, Tags, MatchedRuleID) are themselves safe for
// concurrent access; everything else is set once at construction and
// never mutated afterward — callers that need a modified request (a
// step's request-mutation, a forward rewrite) call Clone and modify the
// clone.
type Request struct {
	ID          string
	Protocol    string // "http" | "https" | "ws" | "wss"
	HTTPVersion string // "1.1" | "2.0"
	Method      string
	URL         string // absolute URL
	Path        string

	RawHeaders RawHeaders
	Headers    map[string][]string // lowercased view of RawHeaders

	Destination   Destination
	RemoteAddress string
	RemotePort    int

	Body *Body

	RawTrailers RawHeaders

	Timings *Timings
	Tags    *TagSet

	MatchedRuleID string
}

// NewRequest builds a Request with a fresh ID, populated Headers view,
// and empty Timings/Tags, ready to be matched and stepped through.
func NewRequest() *Request {
	return &Request{
		ID:      uuid.NewString(),
		Timings: NewTimings(),
		Tags:    NewTagSet(),
	}
}

// SyncHeaders rebuilds the lowercased Headers map from RawHeaders. Call
// this after mutating RawHeaders directly (e.g. a transform's
// replaceHeaders/updateHeaders step).
func (r *Request) SyncHeaders() {
	r.Headers = r.RawHeaders.Map()
}

// Clone returns a shallow copy of r with independently-mutable
// RawHeaders — used by forward/transform steps that rewrite headers or
// destination without touching the original in-flight request.
func (r *Request) Clone() *Request {
	clone := *r
	clone.RawHeaders = r.RawHeaders.Clone()
	clone.Headers = clone.RawHeaders.Map()
	if r.RawTrailers != nil {
		clone.RawTrailers = r.RawTrailers.Clone()
	}
	return &clone
}
