package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/relaymock/relay/internal/acceptor"
	"github.com/relaymock/relay/internal/bodycodec"
	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/proxyroute"
	"github.com/relaymock/relay/internal/rules"
	"github.com/relaymock/relay/internal/steps"
	"github.com/relaymock/relay/internal/wsrelay"
)

// serveHTTP1 runs the keep-alive request/response loop for one HTTP/1
// connection: parse a request head+body off br, route it (WebSocket
// upgrade or ordinary rule dispatch), write the response, and repeat
// until the connection should close.
func (s *Session) serveHTTP1(ctx context.Context, conn net.Conn, br *bufio.Reader, bw *bufio.Writer, meta acceptor.RequestMeta) {
	defer conn.Close()

	for {
		req, err := s.readRequest(br, meta)
		if err != nil {
			s.handleReadRequestError(bw, meta, err)
			return
		}
		req.Timings.Mark(httpwire.TimingStart)
		s.Bus.Publish(RequestInitiated(req))

		if wsrelay.IsUpgradeRequest(req) {
			s.serveWebSocket(ctx, req, conn, br, bw)
			return
		}

		keepAlive := wantsKeepAlive(req)
		outcome := s.handleHTTPRequest(ctx, req, bw, conn)
		switch outcome {
		case steps.OutcomeClose, steps.OutcomeReset, steps.OutcomeTimeout:
			return
		}
		if !keepAlive {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// readRequest parses one request head off br, resolves its destination
// through internal/proxyroute, and materializes its (capped) body.
func (s *Session) readRequest(br *bufio.Reader, meta acceptor.RequestMeta) (*httpwire.Request, error) {
	head, err := httpwire.ParseRequestHead(br)
	if err != nil {
		return nil, err
	}

	secure := meta.Protocol == "https"
	route, err := proxyroute.ParseTarget(head.Line.Target)
	if err != nil {
		return nil, err
	}
	hostHeader := head.Headers.Get("Host")
	dest, err := proxyroute.Resolve(route, hostHeader, meta.DefaultDestination, secure)
	if err != nil {
		return nil, err
	}
	if err := proxyroute.EnforceTLSInterceptOnly(dest.Hostname, secure, s.cfg.TLSInterceptOnlyHosts); err != nil {
		return nil, err
	}

	req := httpwire.NewRequest()
	req.Protocol = protocolFor(secure)
	req.HTTPVersion = head.Line.HTTPVersion
	req.Method = head.Line.Method
	req.Path = route.Path
	req.URL = scheme(secure) + "://" + net.JoinHostPort(dest.Hostname, strconv.Itoa(dest.Port)) + route.Path
	req.RawHeaders = head.Headers
	req.SyncHeaders()
	req.Destination = dest
	if host, portStr, err := net.SplitHostPort(meta.RemoteAddr.String()); err == nil {
		req.RemoteAddress = host
		if p, err := strconv.Atoi(portStr); err == nil {
			req.RemotePort = p
		}
	}

	body, err := readRequestBody(br, head.Headers, s.cfg.MaxBodySize)
	if err != nil {
		return nil, err
	}
	enc := bodycodec.ParseEncoding(head.Headers.Get("Content-Encoding"))
	req.Body = httpwire.NewBufferedBody(body, enc, s.cfg.MaxBodySize)
	req.Timings.Mark(httpwire.TimingBodyReceived)

	return req, nil
}

// readRequestBody reads a Content-Length or chunked-encoded request
// body, capped at maxBodySize; a request with neither header has no
// body.
func readRequestBody(br *bufio.Reader, headers httpwire.RawHeaders, maxBodySize int64) ([]byte, error) {
	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n <= 0 {
			return nil, nil
		}
		capped := n
		if capped > maxBodySize {
			capped = maxBodySize
		}
		buf := make([]byte, capped)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		if n > maxBodySize {
			if _, err := io.CopyN(io.Discard, br, n-maxBodySize); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	if strings.EqualFold(headers.Get("Transfer-Encoding"), "chunked") {
		return readChunkedRequestBody(br, maxBodySize)
	}
	return nil, nil
}

func readChunkedRequestBody(br *bufio.Reader, maxBodySize int64) ([]byte, error) {
	var out []byte
	for {
		sizeLine, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeLine = strings.TrimRight(sizeLine, "\r\n")
		if i := strings.IndexByte(sizeLine, ';'); i >= 0 {
			sizeLine = sizeLine[:i]
		}
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			if _, err := br.ReadString('\n'); err != nil && err != io.EOF {
				return nil, err
			}
			return out, nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		if int64(len(out)) < maxBodySize {
			remaining := maxBodySize - int64(len(out))
			if remaining > size {
				remaining = size
			}
			out = append(out, chunk[:remaining]...)
		}
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func wantsKeepAlive(req *httpwire.Request) bool {
	conn := req.RawHeaders.Get("Connection")
	if conn != "" {
		return strings.EqualFold(conn, "keep-alive")
	}
	return req.HTTPVersion != "1.0"
}

func protocolFor(secure bool) string {
	if secure {
		return "https"
	}
	return "http"
}

func scheme(secure bool) string {
	if secure {
		return "https"
	}
	return "http"
}

// serveWebSocket selects a WebSocket rule for req, runs any leading
// non-terminal steps (delay, wait-for-other-rule) the same way
// internal/steps.Executor does for HTTP, then hands the terminal step
// to internal/wsrelay, blocking until the relay ends.
func (s *Session) serveWebSocket(ctx context.Context, req *httpwire.Request, conn net.Conn, br *bufio.Reader, bw *bufio.Writer) {
	req.Protocol = wsProtocolFor(req.Protocol)
	rule, err := s.WSRules.Select(req)
	if err != nil {
		wsrelay.RejectResponse(bw, errorStatus(err), statusTextFor(errorStatus(err)), nil, []byte(err.Error()))
		return
	}

	step, err := s.runLeadingWSSteps(ctx, rule)
	if err != nil {
		return
	}
	if step == nil {
		wsrelay.RejectResponse(bw, 500, "Internal Server Error", nil, []byte("session: websocket rule has no terminal step"))
		return
	}

	err = wsrelay.Handle(ctx, step, req, conn, br, bw, wsrelay.Options{Dialer: s.wsDialer, Bus: s.Bus})
	rule.MarkCompletedIfDone()
	s.broadcaster.Signal(rule.ID)
	if rule.RecordTraffic {
		rule.SeenRequests.Append(rules.Exchange{Request: req})
	}
	if err != nil {
		s.Bus.Publish(ClientError(err))
	}
}

// runLeadingWSSteps executes rule's non-terminal steps (if any) in
// order and returns the first terminal step reached.
func (s *Session) runLeadingWSSteps(ctx context.Context, rule *rules.Rule) (*rules.Step, error) {
	for _, step := range rule.Steps {
		if step.Kind.IsTerminal() {
			return step, nil
		}
		switch step.Kind {
		case rules.StepDelay:
			timer := time.NewTimer(time.Duration(step.DelayMS) * time.Millisecond)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		case rules.StepWaitForOtherRule:
			if err := s.broadcaster.WaitForRule(ctx, step.WaitForRuleID); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

func wsProtocolFor(httpProtocol string) string {
	if httpProtocol == "https" {
		return "wss"
	}
	return "ws"
}
