// Package session wires every other package into a running engine
// instance: it owns the listener, the CA-backed certificate cache, the
// two rule engines (HTTP and WebSocket, spec.md §3's "rule lists (one
// per traffic kind)"), the event bus, and the step executor, and
// implements internal/acceptor.Handler to drive the request/response
// loop for whatever internal/acceptor classifies a connection as.
//
// Grounded on the teacher's cmd/ctrlai/main.go runStart: config/engine/
// audit/registry construction followed by a signal.NotifyContext-driven
// accept loop with a bounded graceful-shutdown window, generalized from
// a one-shot CLI bootstrap into a reusable, restartable Session type
// (the teacher never stops and restarts its proxy.Server mid-process;
// spec.md's start/stop/reset lifecycle requires that here).
package session

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymock/relay/internal/acceptor"
	"github.com/relaymock/relay/internal/certauth"
	"github.com/relaymock/relay/internal/eventbus"
	"github.com/relaymock/relay/internal/passthrough"
	"github.com/relaymock/relay/internal/rules"
	"github.com/relaymock/relay/internal/steps"
)

// State is a Session's lifecycle state (spec.md §3: "a session is
// created idle, enters listening on start(), ... destroyed by stop()").
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateStopped   State = "stopped"
)

// drainGrace is how long Stop waits for in-flight connections to
// finish on their own. Connections still open after it are not closed
// by Stop; the session keeps no list of them.
const drainGrace = 1 * time.Second

// Config configures a Session at construction time. The CA is fixed
// here; RuleParameters can later be replaced as a whole through
// SetRuleParameters, which swaps the map rather than mutating it.
type Config struct {
	CA                    *certauth.CA
	KeyAlgorithm          certauth.KeyAlgorithm
	HTTP2                 acceptor.HTTP2Mode
	TLSPassthroughHosts   []string
	TLSInterceptOnlyHosts []string
	HandshakeTimeout      time.Duration
	MaxBodySize           int64
	RuleParameters        map[string]any

	// SuggestChanges gates whether a 503 no-matching-rule diagnostic
	// lists the configured rules and example matchers (spec.md §4.3 item
	// 3). Defaults to true; set to a false pointer to suppress it.
	SuggestChanges *bool
}

// Session is a running (or idle) engine instance bound to zero or one
// listeners.
type Session struct {
	cfg Config

	Bus        *eventbus.Bus
	CertCache  *certauth.Cache
	HTTPRules  *rules.Engine
	WSRules    *rules.Engine
	Dispatcher *passthrough.Engine

	broadcaster *ruleBroadcaster
	wsDialer    *websocket.Dialer

	ruleParameters atomic.Pointer[map[string]any]

	mu       sync.Mutex
	state    State
	listener net.Listener
	acc      *acceptor.Acceptor
	cancel   context.CancelFunc
	wg       sync.WaitGroup // in-flight connections, for graceful drain
}

// New builds an idle Session. cfg.CA must already exist (generated or
// loaded via internal/certauth.LoadOrGenerateCA); Session never mints
// its own root.
func New(cfg Config) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = passthrough.DefaultMaxBodySize
	}

	s := &Session{
		cfg:         cfg,
		Bus:         eventbus.New(),
		CertCache:   certauth.NewCache(cfg.CA, cfg.KeyAlgorithm),
		HTTPRules:   rules.NewEngine(),
		WSRules:     rules.NewEngine(),
		Dispatcher:  passthrough.NewEngine(),
		broadcaster: newRuleBroadcaster(),
		wsDialer:    websocket.DefaultDialer,
		state:       StateIdle,
	}
	s.Dispatcher.MaxBodySize = cfg.MaxBodySize
	if cfg.SuggestChanges != nil {
		s.HTTPRules.SetSuggestChanges(*cfg.SuggestChanges)
		s.WSRules.SetSuggestChanges(*cfg.SuggestChanges)
	}
	params := cfg.RuleParameters
	if params == nil {
		params = map[string]any{}
	}
	s.ruleParameters.Store(&params)
	return s
}

// RuleParameters returns the current immutable rule-parameters map
// (spec.md §5: "ruleParameters is read-only after session start" — a
// reload swaps this pointer, it never mutates the map in place).
func (s *Session) RuleParameters() map[string]any {
	return *s.ruleParameters.Load()
}

// SetRuleParameters atomically republishes the rule-parameters map,
// called by internal/relayconfig's fsnotify watcher on a hot reload.
func (s *Session) SetRuleParameters(params map[string]any) {
	clone := make(map[string]any, len(params))
	for k, v := range params {
		clone[k] = v
	}
	s.ruleParameters.Store(&clone)
}

// executor builds a fresh steps.Executor bound to this session's
// dispatcher and wait-for-other-rule broadcaster.
func (s *Session) executor() *steps.Executor {
	return &steps.Executor{Dispatcher: s.Dispatcher, Waiter: s.broadcaster}
}

// Start begins listening. If port is non-zero it binds exactly that
// port; otherwise it scans [rangeStart,rangeEnd] inclusive for the
// first free port (spec.md §6: "optionally auto-selected from a
// [startPort,endPort] range"). Returns the bound address.
func (s *Session) Start(port, rangeStart, rangeEnd int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateListening {
		return "", fmt.Errorf("session: already listening")
	}

	ln, err := bindListener(port, rangeStart, rangeEnd)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.listener = ln
	s.acc = acceptor.New(acceptor.Config{
		Listener:            ln,
		CertCache:           s.CertCache,
		HTTP2:               s.cfg.HTTP2,
		TLSPassthroughHosts: s.cfg.TLSPassthroughHosts,
		Handler:             s,
		Bus:                 s.Bus,
		HandshakeTimeout:    s.cfg.HandshakeTimeout,
	})
	s.state = StateListening

	go func() {
		if err := s.acc.Serve(ctx); err != nil {
			s.Bus.Publish(eventbus.Event{Name: eventbus.ClientError, Payload: map[string]any{"error": err.Error()}})
		}
	}()

	return ln.Addr().String(), nil
}

// bindListener implements the port/range selection spec.md §6 names.
func bindListener(port, rangeStart, rangeEnd int) (net.Listener, error) {
	if port != 0 {
		return net.Listen("tcp", ":"+strconv.Itoa(port))
	}
	if rangeStart == 0 {
		return net.Listen("tcp", ":0")
	}
	var lastErr error
	for p := rangeStart; p <= rangeEnd; p++ {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(p))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("session: no free port in [%d,%d]: %w", rangeStart, rangeEnd, lastErr)
}

// Stop cancels every in-flight request's token, closes the listener,
// waits up to drainGrace for connections to finish on their own, then
// closes the event bus and returns. It does not close or RST the
// sockets of connections that are still running at that point.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	ln := s.listener
	s.state = StateStopped
	s.mu.Unlock()

	cancel()
	if ln != nil {
		ln.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainGrace):
		// Remaining connections are abandoned; their own socket
		// reads/writes will fail once the per-request context (already
		// cancelled) unblocks any handler-side select on ctx.Done().
	}

	s.Bus.Close()
	return nil
}

// Reset drops every configured rule (spec.md §8: "reset() followed by
// addRules(X) yields the same behaviour as starting fresh and calling
// addRules(X)") without touching the listener, CA, or event bus.
func (s *Session) Reset() {
	s.HTTPRules = rules.NewEngine()
	s.WSRules = rules.NewEngine()
	s.broadcaster = newRuleBroadcaster()
	if s.cfg.SuggestChanges != nil {
		s.HTTPRules.SetSuggestChanges(*s.cfg.SuggestChanges)
		s.WSRules.SetSuggestChanges(*s.cfg.SuggestChanges)
	}
}

// Serve implements internal/acceptor.Handler: it runs the appropriate
// protocol loop for meta.HTTPVersion and tracks the connection against
// the drain waitgroup used by Stop.
func (s *Session) Serve(ctx context.Context, conn net.Conn, br *bufio.Reader, bw *bufio.Writer, meta acceptor.RequestMeta) {
	s.wg.Add(1)
	defer s.wg.Done()

	if meta.HTTPVersion == "2.0" {
		s.serveHTTP2(ctx, conn, meta)
		return
	}
	s.serveHTTP1(ctx, conn, br, bw, meta)
}
