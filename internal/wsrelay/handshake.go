// Package wsrelay accepts WebSocket upgrade requests against the
// session's WebSocket rule list and executes whichever terminal step
// wins (spec.md §4.6): raw frame-for-frame splice to an upstream for
// passthrough/forward, message-level echo, silent listen, an HTTP
// rejection instead of 101, or a bare close/timeout.
//
// Grounded on the teacher's internal/dashboard/websocket.go, which
// pairs a gorilla/websocket Upgrader with per-connection read/write
// pumps; generalized from a one-directional broadcast hub to a
// bidirectional relay. The handshake itself (accept side and upstream
// dial) goes through gorilla/websocket exactly as the teacher uses it;
// passthrough/forward never touch gorilla's message framing — they
// grab each side's net.Conn via UnderlyingConn and splice raw bytes, so
// opcode/FIN/RSV/masking (and even malformed frames) pass through
// completely untouched, matching spec.md's verbatim-splice requirement.
package wsrelay

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/relaymock/relay/internal/httpwire"
)

// upgrader is shared across all accepted connections; CheckOrigin is
// left permissive because origin policy is a rule-matcher concern
// (spec.md's WebSocket rules can inspect the Origin header themselves
// before a passthrough/forward step ever runs).
var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// IsUpgradeRequest reports whether req carries a valid WebSocket
// upgrade handshake (spec.md §4.6: "a valid Upgrade request").
func IsUpgradeRequest(req *httpwire.Request) bool {
	if !strings.EqualFold(req.Method, "GET") {
		return false
	}
	if !headerContainsToken(req.RawHeaders.Get("Connection"), "upgrade") {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(req.RawHeaders.Get("Upgrade")), "websocket") {
		return false
	}
	return req.RawHeaders.Get("Sec-WebSocket-Key") != "" && req.RawHeaders.Get("Sec-WebSocket-Version") != ""
}

func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// hijackResponseWriter adapts a raw, already-accepted connection (as
// internal/acceptor hands it to a Handler) into the http.ResponseWriter
// + http.Hijacker shape gorilla's Upgrader expects, without ever
// running an actual net/http server.
type hijackResponseWriter struct {
	header http.Header
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	status int
}

func (w *hijackResponseWriter) Header() http.Header { return w.header }

func (w *hijackResponseWriter) Write(b []byte) (int, error) { return w.bw.Write(b) }

func (w *hijackResponseWriter) WriteHeader(status int) { w.status = status }

func (w *hijackResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, bufio.NewReadWriter(w.br, w.bw), nil
}

// toHTTPRequest builds the minimal *http.Request gorilla's Upgrader
// needs to validate a handshake: method, URL, and headers.
func toHTTPRequest(req *httpwire.Request) *http.Request {
	header := make(http.Header, len(req.RawHeaders))
	for _, p := range req.RawHeaders {
		header.Add(p.Name, p.Value)
	}
	u, err := url.Parse(req.Path)
	if err != nil {
		u = &url.URL{Path: req.Path}
	}
	return &http.Request{
		Method: req.Method,
		URL:    u,
		Header: header,
		Host:   req.RawHeaders.Get("Host"),
		Proto:  "HTTP/" + req.HTTPVersion,
	}
}

// Accept performs the server-side WebSocket handshake over an
// already-parsed upgrade request and its underlying raw connection.
func Accept(conn net.Conn, br *bufio.Reader, bw *bufio.Writer, req *httpwire.Request, responseHeader http.Header) (*websocket.Conn, error) {
	w := &hijackResponseWriter{header: make(http.Header), conn: conn, br: br, bw: bw}
	httpReq := toHTTPRequest(req)
	wsConn, err := upgrader.Upgrade(w, httpReq, responseHeader)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: accept handshake: %w", err)
	}
	return wsConn, nil
}

// RejectResponse writes status/headers/body in place of the 101
// handshake (spec.md §4.6 "reject" step), using the same wire writer
// every other HTTP response path uses so header case/order survives.
func RejectResponse(bw *bufio.Writer, statusCode int, statusMessage string, headers httpwire.RawHeaders, body []byte) error {
	if statusMessage == "" {
		statusMessage = http.StatusText(statusCode)
	}
	out := headers.Clone()
	if out.Get("Content-Length") == "" {
		out.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	}
	line := httpwire.StatusLine{HTTPVersion: "1.1", StatusCode: statusCode, StatusMessage: statusMessage}
	if err := httpwire.WriteResponseHead(bw, line, out); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}

// DialUpstream performs the client-side WebSocket handshake against an
// upstream destination. dialer is nil for a default-configuration
// dial; callers needing a custom trust pool or proxy build their own
// *websocket.Dialer (e.g. with TLSClientConfig set) and pass it in.
func DialUpstream(dest httpwire.Destination, path string, secure bool, header http.Header, dialer *websocket.Dialer) (*websocket.Conn, *http.Response, error) {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", dest.Hostname, dest.Port), Path: path}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.Dial(u.String(), header)
	if err != nil {
		return nil, resp, fmt.Errorf("wsrelay: dialing upstream %s: %w", u.String(), err)
	}
	return conn, resp, nil
}
