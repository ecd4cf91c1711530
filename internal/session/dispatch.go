package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/relaymock/relay/internal/acceptor"
	"github.com/relaymock/relay/internal/eventbus"
	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/relayerr"
	"github.com/relaymock/relay/internal/rules"
	"github.com/relaymock/relay/internal/steps"
)

// handleHTTPRequest runs spec.md §4.3/§4.4 for one fully-parsed HTTP
// request: select a rule from the session's HTTP rule list, execute
// its step pipeline, record the exchange, and emit lifecycle events.
func (s *Session) handleHTTPRequest(ctx context.Context, req *httpwire.Request, bw *bufio.Writer, conn net.Conn) steps.Outcome {
	s.Bus.Publish(eventbus.Event{Name: eventbus.Request, Payload: req})

	rule, err := s.HTTPRules.Select(req)
	if err != nil {
		s.writeErrorResponse(bw, req, err)
		return steps.OutcomeResponded
	}

	outcome, resp, err := s.executor().Run(ctx, rule, req, bw, conn)
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
	case steps.OutcomeClose:
		conn.Close()
	case steps.OutcomeReset:
		resetConn(conn)
	}
	return outcome
}

// resetConn tears a TCP connection down with RST rather than a clean
// FIN (spec.md §4.4's reset step), by disabling the linger delay before
// closing.
func resetConn(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetLinger(0)
	}
	conn.Close()
}

// writeErrorResponse renders a relayerr.Error (no-matching-rule,
// rule-matcher-error, etc.) as the diagnostic HTTP response spec.md §7
// describes.
func (s *Session) writeErrorResponse(bw *bufio.Writer, req *httpwire.Request, err error) {
	s.writeErrorResponseVersion(bw, req.HTTPVersion, err)
}

// writeErrorResponseVersion is writeErrorResponse without needing a
// fully-built *httpwire.Request — readRequest can fail (a bad target, a
// tlsInterceptOnly violation) before one exists, but the client still
// gets a proper status line rather than a silently closed socket
// (spec.md §7: "responded to with 400/431/... where possible").
func (s *Session) writeErrorResponseVersion(bw *bufio.Writer, httpVersion string, err error) {
	status := errorStatus(err)
	body := err.Error()
	headers := httpwire.RawHeaders{}
	headers.Add("Content-Length", strconv.Itoa(len(body)))
	headers.Add("Content-Type", "text/plain; charset=utf-8")

	httpwire.WriteResponseHead(bw, httpwire.StatusLine{
		HTTPVersion:   versionOr(httpVersion, "1.1"),
		StatusCode:    status,
		StatusMessage: statusTextFor(status),
	}, headers)
	bw.WriteString(body)
	bw.Flush()

	s.Bus.Publish(eventbus.Event{Name: eventbus.ClientError, Payload: err.Error()})
}

// handleReadRequestError responds to a readRequest failure where
// possible (a relayerr.Error carries an HTTP status) and otherwise
// just publishes the client-error event — a torn socket or malformed
// request head has no status to answer with.
func (s *Session) handleReadRequestError(bw *bufio.Writer, meta acceptor.RequestMeta, err error) {
	if err == io.EOF {
		return
	}
	var relayErr *relayerr.Error
	if errors.As(err, &relayErr) {
		s.writeErrorResponseVersion(bw, "1.1", err)
		return
	}
	s.Bus.Publish(ClientError(err))
}

func errorStatus(err error) int {
	var relayErr *relayerr.Error
	if errors.As(err, &relayErr) {
		if status := relayErr.Kind.Status(); status != 0 {
			return status
		}
	}
	return 500
}

func statusTextFor(code int) string {
	switch code {
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Status"
	}
}

func versionOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// RequestInitiated builds the request-initiated event for req, fired
// as soon as the request line is known (before its body is read).
func RequestInitiated(req *httpwire.Request) eventbus.Event {
	return eventbus.Event{Name: eventbus.RequestInitiated, Payload: req}
}

// ClientError builds the client-error event for a connection-level
// failure (a dropped socket, a malformed request head).
func ClientError(err error) eventbus.Event {
	return eventbus.Event{Name: eventbus.ClientError, Payload: fmt.Sprint(err)}
}
