package session

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/relaymock/relay/internal/acceptor"
	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/rules"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return New(Config{})
}

func addReplyRule(t *testing.T, engine *rules.Engine, id string, matchers []*rules.Matcher, statusCode int, body string) *rules.Rule {
	t.Helper()
	rule, err := rules.NewRule(id, rules.PriorityDefault, matchers, nil,
		[]*rules.Step{{Kind: rules.StepReply, Reply: &rules.ReplyDescriptor{
			StatusCode: statusCode,
			Body:       []byte(body),
		}}},
		false, 10)
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	engine.AddRules(rule)
	return rule
}

func TestNewSessionIsIdle(t *testing.T) {
	s := newTestSession(t)
	if s.state != StateIdle {
		t.Fatalf("expected idle state, got %v", s.state)
	}
	if s.HTTPRules == nil || s.WSRules == nil {
		t.Fatal("expected both rule engines to be constructed")
	}
}

func TestStartStop(t *testing.T) {
	s := newTestSession(t)
	addr, err := s.Start(0, 0, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if addr == "" {
		t.Fatal("expected a bound address")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.state != StateStopped {
		t.Fatalf("expected stopped state, got %v", s.state)
	}
}

func TestStartTwiceFails(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.Start(0, 0, 0); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer s.Stop()
	if _, err := s.Start(0, 0, 0); err == nil {
		t.Fatal("expected second Start to fail while already listening")
	}
}

// TestResetThenAddRulesMatchesFreshSession exercises spec.md §8's
// testable property: reset() followed by addRules(X) behaves like a
// fresh session that only ever saw addRules(X).
func TestResetThenAddRulesMatchesFreshSession(t *testing.T) {
	fresh := newTestSession(t)
	addReplyRule(t, fresh.HTTPRules, "r1", []*rules.Matcher{{Kind: rules.MatcherMethod, Method: "GET"}}, 204, "")

	dirty := newTestSession(t)
	addReplyRule(t, dirty.HTTPRules, "stale", []*rules.Matcher{{Kind: rules.MatcherMethod, Method: "POST"}}, 500, "")
	dirty.Reset()
	addReplyRule(t, dirty.HTTPRules, "r1", []*rules.Matcher{{Kind: rules.MatcherMethod, Method: "GET"}}, 204, "")

	req := httpwire.NewRequest()
	req.Method = "GET"

	freshRule, err := fresh.HTTPRules.Select(req)
	if err != nil {
		t.Fatalf("fresh select: %v", err)
	}
	dirtyRule, err := dirty.HTTPRules.Select(req)
	if err != nil {
		t.Fatalf("dirty select: %v", err)
	}
	if freshRule.ID != dirtyRule.ID {
		t.Fatalf("expected identical rule selection, got %q vs %q", freshRule.ID, dirtyRule.ID)
	}

	postReq := httpwire.NewRequest()
	postReq.Method = "POST"
	if _, err := dirty.HTTPRules.Select(postReq); err == nil {
		t.Fatal("expected the stale pre-reset rule to no longer match")
	}
}

func TestServeHTTP1RoundTripsReplyRule(t *testing.T) {
	s := newTestSession(t)
	addReplyRule(t, s.HTTPRules, "r1", []*rules.Matcher{{Kind: rules.MatcherMethod, Method: "GET"}}, 200, "hello")

	client, server := net.Pipe()
	defer client.Close()

	br := bufio.NewReader(server)
	bw := bufio.NewWriter(server)
	meta := acceptor.RequestMeta{Protocol: "http", HTTPVersion: "1.1", RemoteAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}}

	done := make(chan struct{})
	go func() {
		s.Serve(context.Background(), server, br, bw, meta)
		close(done)
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))

	respBR := bufio.NewReader(client)
	head, err := httpwire.ParseResponseHead(respBR)
	if err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if head.Line.StatusCode != 200 {
		t.Fatalf("status: got %d", head.Line.StatusCode)
	}
	body := make([]byte, len("hello"))
	if _, err := respBR.Read(body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("body: got %q", body)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Connection: close")
	}
}

func TestServeHTTP1NoMatchingRuleRespondsWithErrorStatus(t *testing.T) {
	s := newTestSession(t)

	client, server := net.Pipe()
	defer client.Close()

	br := bufio.NewReader(server)
	bw := bufio.NewWriter(server)
	meta := acceptor.RequestMeta{Protocol: "http", HTTPVersion: "1.1", RemoteAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}}

	go s.Serve(context.Background(), server, br, bw, meta)

	client.SetDeadline(time.Now().Add(2 * time.Second))
	client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))

	respBR := bufio.NewReader(client)
	head, err := httpwire.ParseResponseHead(respBR)
	if err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if head.Line.StatusCode != 503 {
		t.Fatalf("expected 503 for no matching rule, got %d", head.Line.StatusCode)
	}
}

func TestRuleBroadcasterSignalThenWait(t *testing.T) {
	b := newRuleBroadcaster()
	b.Signal("r1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.WaitForRule(ctx, "r1"); err != nil {
		t.Fatalf("WaitForRule after Signal: %v", err)
	}
}

func TestRuleBroadcasterWaitThenSignal(t *testing.T) {
	b := newRuleBroadcaster()

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errc <- b.WaitForRule(ctx, "r1")
	}()

	time.Sleep(10 * time.Millisecond)
	b.Signal("r1")

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("WaitForRule: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForRule never woke up after Signal")
	}
}

func TestRuleBroadcasterWaitCancelled(t *testing.T) {
	b := newRuleBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.WaitForRule(ctx, "never-signalled"); err == nil {
		t.Fatal("expected WaitForRule to return the context's error")
	}
}

func TestWriteHTTP2ResponseDechunksStreamedBody(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	httpwire.WriteResponseHead(bw, httpwire.StatusLine{HTTPVersion: "1.1", StatusCode: 200, StatusMessage: "OK"},
		httpwire.RawHeaders{{Name: "Transfer-Encoding", Value: "chunked"}})
	bw.WriteString("5\r\nhello\r\n0\r\n\r\n")
	bw.Flush()

	w := newRecordingResponseWriter()
	if err := writeHTTP2Response(w, buf.Bytes(), 1<<20); err != nil {
		t.Fatalf("writeHTTP2Response: %v", err)
	}
	if w.status != 200 {
		t.Fatalf("status: got %d", w.status)
	}
	if w.body.String() != "hello" {
		t.Fatalf("body: got %q", w.body.String())
	}
	if w.Header().Get("Transfer-Encoding") != "" {
		t.Fatal("expected Transfer-Encoding to be stripped for the HTTP/2 response")
	}
}

type recordingResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecordingResponseWriter() *recordingResponseWriter {
	return &recordingResponseWriter{header: make(http.Header)}
}

func (w *recordingResponseWriter) Header() http.Header         { return w.header }
func (w *recordingResponseWriter) Write(p []byte) (int, error) { return w.body.Write(p) }
func (w *recordingResponseWriter) WriteHeader(status int)      { w.status = status }
