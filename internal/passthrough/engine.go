package passthrough

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/relaymock/relay/internal/bodycodec"
	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/relayerr"
	"github.com/relaymock/relay/internal/rules"
)

// DefaultMaxBodySize bounds how much of an upstream body is buffered for
// hooks/events before the engine switches to unbuffered passthrough
// (spec.md §4.5 point 7).
const DefaultMaxBodySize = 10 * 1024 * 1024

// Engine dispatches requests to their upstream destination. It
// implements internal/steps.Dispatcher.
type Engine struct {
	MaxBodySize int64
}

// NewEngine builds a passthrough engine with the default body cap.
func NewEngine() *Engine {
	return &Engine{MaxBodySize: DefaultMaxBodySize}
}

// Dispatch runs spec.md §4.5's algorithm: declarative transform, then
// the imperative beforeRequest hook (which may inject a response and
// skip upstream dispatch entirely), upstream dial + TLS, the request
// write, the response read, the imperative beforeResponse hook, and
// finally the declarative response transform.
func (e *Engine) Dispatch(ctx context.Context, req *httpwire.Request, opts rules.PassthroughOptions) (*httpwire.Response, error) {
	if err := applyRequestTransform(req, opts.TransformRequest); err != nil {
		return nil, err
	}
	if err := rejectInvalidPseudoOverride(opts.TransformRequest); err != nil {
		return nil, err
	}

	if opts.BeforeRequest != nil {
		mutation, injected, sentinel, err := opts.BeforeRequest(req)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.CallbackError, "beforeRequest hook", err)
		}
		switch {
		case sentinel == "close" || sentinel == "reset":
			return nil, relayerr.New(relayerr.ClientError, "beforeRequest requested "+sentinel)
		case injected != nil:
			resp := injectedResponse(req, injected)
			return e.runBeforeResponse(resp, opts)
		case mutation != nil:
			applyRequestMutation(req, mutation)
		}
	}

	resp, err := e.dispatchUpstream(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	return e.runBeforeResponse(resp, opts)
}

func (e *Engine) runBeforeResponse(resp *httpwire.Response, opts rules.PassthroughOptions) (*httpwire.Response, error) {
	if opts.BeforeResponse != nil {
		mutation, sentinel, err := opts.BeforeResponse(resp)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.CallbackError, "beforeResponse hook", err)
		}
		if sentinel == "close" || sentinel == "reset" {
			return nil, relayerr.New(relayerr.ClientError, "beforeResponse requested "+sentinel)
		}
		if mutation != nil {
			applyResponseMutation(resp, mutation)
		}
	}
	if err := applyResponseTransform(resp, opts.TransformResponse); err != nil {
		return nil, err
	}
	return resp, nil
}

func injectedResponse(req *httpwire.Request, d *rules.ReplyDescriptor) *httpwire.Response {
	resp := httpwire.NewResponse(req)
	resp.StatusCode = d.StatusCode
	resp.StatusMessage = d.StatusMessage
	resp.RawHeaders = d.Headers.Clone()
	resp.SyncHeaders()
	resp.RawTrailers = d.Trailers
	resp.Body = httpwire.NewBufferedBody(d.Body, bodycodec.Identity, int64(len(d.Body)))
	return resp
}

func applyRequestMutation(req *httpwire.Request, m *rules.RequestMutation) {
	if m.Method != "" {
		req.Method = m.Method
	}
	if m.URL != "" {
		req.URL = m.URL
	}
	if m.ReplaceHeaders != nil {
		req.RawHeaders = m.ReplaceHeaders.Clone()
	} else {
		applyHeaderUpdates(&req.RawHeaders, m.UpdateHeaders)
	}
	req.SyncHeaders()
	if m.Body != nil {
		req.Body = httpwire.NewBufferedBody(m.Body, req.Body.ContentEncoding(), int64(len(m.Body)))
	}
}

func applyResponseMutation(resp *httpwire.Response, m *rules.ResponseMutation) {
	if m.StatusCode != 0 {
		resp.StatusCode = m.StatusCode
	}
	if m.ReplaceHeaders != nil {
		resp.RawHeaders = m.ReplaceHeaders.Clone()
	} else {
		applyHeaderUpdates(&resp.RawHeaders, m.UpdateHeaders)
	}
	resp.SyncHeaders()
	if m.Body != nil {
		resp.Body = httpwire.NewBufferedBody(m.Body, resp.Body.ContentEncoding(), int64(len(m.Body)))
	}
}

// rejectInvalidPseudoOverride implements spec.md §4.5 point 6's policy
// at the one layer this data model exposes pseudoheader-shaped names:
// a transform that tries to set a custom ":method"/":path" header (as
// opposed to :scheme/:authority, which legitimately retarget the
// upstream) is rejected with invalid-override; unmodified/absent
// pseudoheaders are never an error since there's nothing to drop.
func rejectInvalidPseudoOverride(t *rules.Transform) error {
	if t == nil {
		return nil
	}
	for _, p := range t.UpdateHeaders {
		if err := checkPseudoHeaderName(p.Name); err != nil {
			return err
		}
	}
	for _, p := range t.ReplaceHeaders {
		if err := checkPseudoHeaderName(p.Name); err != nil {
			return err
		}
	}
	return nil
}

func checkPseudoHeaderName(name string) error {
	lower := strings.ToLower(name)
	if lower == ":method" || lower == ":path" {
		return relayerr.New(relayerr.InvalidOverride, fmt.Sprintf("Cannot set custom %s pseudoheader values", lower))
	}
	return nil
}

// dispatchUpstream resolves the destination, dials (direct or via
// proxy, plain or TLS), writes the request head + body over the wire,
// and parses the response head + body back into a Response.
func (e *Engine) dispatchUpstream(ctx context.Context, req *httpwire.Request, opts rules.PassthroughOptions) (*httpwire.Response, error) {
	host := req.Destination.Hostname
	port := req.Destination.Port
	if host == "" {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.UpstreamDialError, "parsing request URL", err)
		}
		host = u.Hostname()
		port = portOf(u, port)
	}

	secure := req.Protocol == "https" || req.Protocol == "wss" || port == 443
	if port == 0 {
		// noProxy port matching (spec.md §4.5) compares against the
		// implicit port for the request's scheme, not 0.
		if secure {
			port = 443
		} else {
			port = 80
		}
	}

	var bw *bufio.Writer
	var br *bufio.Reader

	if secure {
		tlsCfg, err := buildUpstreamTLSConfig(host, opts)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.UpstreamTLSError, "building TLS config", err)
		}
		conn, err := dialUpstreamTLS(ctx, host, port, tlsCfg, opts)
		if err != nil {
			return nil, relayerr.Tagged(relayerr.UpstreamTLSError, tlsFailureTag(err), "dialing upstream TLS", err)
		}
		defer conn.Close()
		bw = bufio.NewWriter(conn)
		br = bufio.NewReader(conn)
	} else {
		conn, err := dialUpstream(ctx, host, port, opts)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.UpstreamDialError, "dialing upstream", err)
		}
		defer conn.Close()
		bw = bufio.NewWriter(conn)
		br = bufio.NewReader(conn)
	}

	if err := writeRequestOverWire(bw, req); err != nil {
		return nil, relayerr.Wrap(relayerr.UpstreamDialError, "writing upstream request", err)
	}

	resp, err := readResponseFromWire(br, req, e.maxBodySize())
	if err != nil {
		return nil, relayerr.Wrap(relayerr.UpstreamReadError, "reading upstream response", err)
	}
	return resp, nil
}

func (e *Engine) maxBodySize() int64 {
	if e.MaxBodySize > 0 {
		return e.MaxBodySize
	}
	return DefaultMaxBodySize
}

func portOf(u *url.URL, fallback int) int {
	if p := u.Port(); p != "" {
		var n int
		fmt.Sscanf(p, "%d", &n)
		return n
	}
	if u.Scheme == "https" {
		return 443
	}
	if fallback != 0 {
		return fallback
	}
	return 80
}

// tlsFailureTag classifies a TLS dial error into the failureCause
// taxonomy spec.md §4.2/§4.5 use for the passthrough-tls-error tag.
func tlsFailureTag(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "certificate signed by unknown authority"):
		return "unknown-ca"
	case strings.Contains(msg, "certificate is valid for"):
		return "cert-rejected"
	case strings.Contains(msg, "handshake failure") || strings.Contains(msg, "no cipher suite"):
		return "no-shared-cipher"
	case strings.Contains(msg, "i/o timeout"):
		return "handshake-timeout"
	default:
		return "neterr"
	}
}
