package session

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/relaymock/relay/internal/acceptor"
	"github.com/relaymock/relay/internal/bodycodec"
	"github.com/relaymock/relay/internal/eventbus"
	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/proxyroute"
	"github.com/relaymock/relay/internal/rules"
	"github.com/relaymock/relay/internal/steps"
)

// serveHTTP2 hands conn to an x/net/http2.Server rather than hand-rolling
// HTTP/2 framing: the Acceptor has already done the ALPN negotiation, so
// all that remains is translating each stream's *http.Request into the
// same httpwire.Request shape serveHTTP1 builds, running it through the
// same rule pipeline, and translating the httpwire.Response back.
func (s *Session) serveHTTP2(ctx context.Context, conn net.Conn, meta acceptor.RequestMeta) {
	h2s := &http2.Server{}
	h2s.ServeConn(conn, &http2.ServeConnOpts{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.serveHTTP2Request(ctx, w, r, meta)
		}),
	})
}

// serveHTTP2Request runs one HTTP/2 stream's request through the rule
// pipeline. It reuses internal/httpwire's pseudo-header translation
// (DecodeHTTP2RequestHeaders/EncodeHTTP2ResponseHeaders) rather than
// building a Request by hand, so a stream seen here and a frame decoded
// directly off the wire go through identical translation logic.
func (s *Session) serveHTTP2Request(ctx context.Context, w http.ResponseWriter, r *http.Request, meta acceptor.RequestMeta) {
	reqCtx, cancel := mergeDone(ctx, r.Context())
	defer cancel()

	req, err := s.buildHTTP2Request(r, meta)
	if err != nil {
		s.writeHTTP2Error(w, r, err)
		return
	}
	req.Timings.Mark(httpwire.TimingStart)
	s.Bus.Publish(RequestInitiated(req))
	s.Bus.Publish(eventbus.Event{Name: eventbus.Request, Payload: req})

	rule, err := s.HTTPRules.Select(req)
	if err != nil {
		s.writeHTTP2Error(w, r, err)
		return
	}

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	outcome, resp, err := s.executor().Run(reqCtx, rule, req, bw, nil)
	rule.MarkCompletedIfDone()
	s.broadcaster.Signal(rule.ID)
	if rule.RecordTraffic {
		rule.SeenRequests.Append(rules.Exchange{Request: req, Response: resp})
	}
	if err != nil {
		req.Timings.Mark(httpwire.TimingAborted)
		s.Bus.Publish(eventbus.Event{Name: eventbus.ClientError, Payload: err.Error()})
	}
	if resp != nil {
		resp.Timings.Mark(httpwire.TimingResponseSent)
		s.Bus.Publish(eventbus.Event{Name: eventbus.Response, Payload: resp})
	}

	switch outcome {
	case steps.OutcomeClose, steps.OutcomeReset, steps.OutcomeTimeout:
		// No HTTP/2 equivalent of a raw TCP RST/FIN on one stream out of a
		// shared connection — aborting the stream is the closest analogue
		// (the net/http2 server resets it with INTERNAL_ERROR).
		panic(http.ErrAbortHandler)
	}

	if err := writeHTTP2Response(w, buf.Bytes(), s.cfg.MaxBodySize); err != nil {
		s.Bus.Publish(ClientError(err))
	}
}

// buildHTTP2Request turns r into the same httpwire.Request shape
// serveHTTP1's readRequest builds, by round-tripping through the hpack
// field list internal/httpwire already knows how to decode.
func (s *Session) buildHTTP2Request(r *http.Request, meta acceptor.RequestMeta) (*httpwire.Request, error) {
	fields := requestToHPACKFields(r)
	method, scheme, authority, path, headers, err := httpwire.DecodeHTTP2RequestHeaders(fields)
	if err != nil {
		return nil, err
	}

	route, err := proxyroute.ParseTarget(path)
	if err != nil {
		return nil, err
	}
	dest, err := proxyroute.Resolve(route, authority, meta.DefaultDestination, true)
	if err != nil {
		return nil, err
	}
	if err := proxyroute.EnforceTLSInterceptOnly(dest.Hostname, true, s.cfg.TLSInterceptOnlyHosts); err != nil {
		return nil, err
	}

	req := httpwire.NewRequest()
	req.Protocol = "https"
	req.HTTPVersion = "2.0"
	req.Method = method
	req.Path = route.Path
	if scheme == "" {
		scheme = "https"
	}
	req.URL = scheme + "://" + net.JoinHostPort(dest.Hostname, strconv.Itoa(dest.Port)) + route.Path
	req.RawHeaders = headers
	req.SyncHeaders()
	req.Destination = dest
	if host, portStr, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		req.RemoteAddress = host
		if p, convErr := strconv.Atoi(portStr); convErr == nil {
			req.RemotePort = p
		}
	}

	body, err := readHTTP2RequestBody(r.Body, headers, s.cfg.MaxBodySize)
	if err != nil {
		return nil, err
	}
	enc := bodycodec.ParseEncoding(headers.Get("Content-Encoding"))
	req.Body = httpwire.NewBufferedBody(body, enc, s.cfg.MaxBodySize)
	req.Timings.Mark(httpwire.TimingBodyReceived)

	return req, nil
}

// requestToHPACKFields synthesizes the field list a frame-level HPACK
// decoder would have produced for r, pseudo-headers first.
func requestToHPACKFields(r *http.Request) []hpack.HeaderField {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	fields := []hpack.HeaderField{
		{Name: ":method", Value: r.Method},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: r.Host},
		{Name: ":path", Value: r.URL.RequestURI()},
	}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		for _, v := range values {
			fields = append(fields, hpack.HeaderField{Name: lower, Value: v})
		}
	}
	return fields
}

// readHTTP2RequestBody reads and caps r's body the same way serveHTTP1's
// readRequestBody caps a Content-Length/chunked HTTP/1 body; net/http2
// already reassembles DATA frames into an io.Reader, so there's no
// framing left to parse here.
func readHTTP2RequestBody(body io.ReadCloser, headers httpwire.RawHeaders, maxBodySize int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	defer body.Close()
	limited := io.LimitReader(body, maxBodySize)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	// Drain and discard whatever the client sent past the cap so the
	// stream ends cleanly instead of being reset mid-body.
	io.Copy(io.Discard, body)
	return data, nil
}

// writeHTTP2Response parses the HTTP/1-wire-format bytes the step
// pipeline wrote into buf (status line, headers, body — dechunking a
// streamed response first) and replays them onto w via
// EncodeHTTP2ResponseHeaders, the same translation a frame-level HPACK
// encoder would apply to an outbound response.
func writeHTTP2Response(w http.ResponseWriter, raw []byte, maxBodySize int64) error {
	br := bufio.NewReader(bytes.NewReader(raw))
	head, err := httpwire.ParseResponseHead(br)
	if err != nil {
		return err
	}

	var body []byte
	if strings.EqualFold(head.Headers.Get("Transfer-Encoding"), "chunked") {
		body, err = readChunkedRequestBody(br, maxBodySize)
	} else {
		body, err = io.ReadAll(br)
	}
	if err != nil {
		return err
	}

	resp := &httpwire.Response{StatusCode: head.Line.StatusCode, RawHeaders: head.Headers}
	for _, f := range httpwire.EncodeHTTP2ResponseHeaders(resp) {
		if f.Name == ":status" {
			continue
		}
		w.Header().Add(f.Name, f.Value)
	}
	w.WriteHeader(head.Line.StatusCode)
	_, err = w.Write(body)
	return err
}

// writeHTTP2Error renders a relayerr.Error the same way
// writeErrorResponseVersion does for HTTP/1, directly onto w since no
// rule pipeline ran.
func (s *Session) writeHTTP2Error(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	body := err.Error()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	io.WriteString(w, body)
	s.Bus.Publish(ClientError(err))
}

// mergeDone derives a context that ends when either parent or child does,
// so a session-level Stop() can unblock a wait-for-other-rule step even
// though net/http2 already ties r.Context() to the stream's own lifetime.
func mergeDone(parent, child context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(child)
	stop := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}
