// Package eventbus distributes engine lifecycle events to subscribers —
// fire-and-forget, with a bounded per-subscriber queue so a slow
// consumer can never backpressure request handling (spec.md §4.7).
//
// Grounded on the teacher's internal/dashboard wsHub: a single map of
// registered consumers, non-blocking sends that drop on a full buffer
// rather than block the publisher, generalized from a single broadcast
// channel to named events with independent per-subscriber queues.
package eventbus

import (
	"log/slog"
	"sync"
)

// Name identifies one of the event types spec.md §4.7 defines.
type Name string

const (
	RequestInitiated       Name = "request-initiated"
	RequestBodyPart        Name = "request-body-part"
	Request                Name = "request"
	ResponseInitiated      Name = "response-initiated"
	ResponseBodyPart       Name = "response-body-part"
	Response               Name = "response"
	Abort                  Name = "abort"
	WebSocketRequest       Name = "websocket-request"
	WebSocketAccepted      Name = "websocket-accepted"
	WebSocketMessageReceived Name = "websocket-message-received"
	WebSocketMessageSent   Name = "websocket-message-sent"
	WebSocketClose         Name = "websocket-close"
	TLSPassthroughOpened   Name = "tls-passthrough-opened"
	TLSPassthroughClosed   Name = "tls-passthrough-closed"
	TLSClientError         Name = "tls-client-error"
	ClientError            Name = "client-error"
	RuleEvent              Name = "rule-event"

	// SubscriberDropped names the meta-event for a dropped delivery.
	// Publish never emits it: a drop is only logged (see Publish), and
	// no drop count is kept.
	SubscriberDropped Name = "subscriber-dropped"
)

// Event is one published occurrence: Name identifies its kind, Payload
// carries whatever data that kind attaches (spec.md leaves the payload
// shape to the caller — a Request, a Response, a tag string, etc).
type Event struct {
	Name    Name
	Payload any
}

// defaultQueueDepth bounds how many unconsumed events a subscriber can
// accumulate before the bus starts dropping for it.
const defaultQueueDepth = 256

// subscriber is one registered consumer's bounded inbox.
type subscriber struct {
	id     uint64
	names  map[Name]bool // nil means "all events"
	ch     chan Event
	closed bool
}

// Bus is the engine's event bus: Publish is non-blocking and safe to
// call from any goroutine; Subscribe registers a new bounded consumer.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*subscriber
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscription is returned by Subscribe; Events yields published events
// matching the subscription's filter and Unsubscribe stops delivery.
type Subscription struct {
	bus *Bus
	id  uint64
	ch  chan Event
}

// Events returns the channel this subscription receives events on. It
// is closed once Unsubscribe is called.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	sub, ok := s.bus.subs[s.id]
	if !ok {
		return
	}
	delete(s.bus.subs, s.id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Subscribe registers a new consumer. If names is empty, the consumer
// receives every event the bus publishes.
func (b *Bus) Subscribe(names ...Name) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	var filter map[Name]bool
	if len(names) > 0 {
		filter = make(map[Name]bool, len(names))
		for _, n := range names {
			filter[n] = true
		}
	}
	sub := &subscriber{id: id, names: filter, ch: make(chan Event, defaultQueueDepth)}
	b.subs[id] = sub
	return &Subscription{bus: b, id: id, ch: sub.ch}
}

// Publish fans ev out to every matching subscriber without blocking. A
// subscriber whose queue is full is skipped and the drop is logged with
// slog.Warn; no subscriber-dropped event is published on the bus, so
// subscribers are not told about their own dropped events.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.names == nil || s.names[ev.Name] {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			slog.Warn("eventbus: dropping event for slow subscriber", "event", ev.Name, "subscriber", s.id)
		}
	}
}

// Close unsubscribes every registered consumer, closing their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		delete(b.subs, id)
	}
}
