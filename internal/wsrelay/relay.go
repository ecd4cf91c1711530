package wsrelay

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/relaymock/relay/internal/eventbus"
	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/rules"
)

// Options configures how Handle dials an upstream for passthrough/
// forward steps; the caller (internal/session) owns TLS trust-pool and
// proxy policy, so a fully-built *websocket.Dialer is passed straight
// through rather than reconstructed here.
type Options struct {
	Dialer *websocket.Dialer
	Bus    *eventbus.Bus
}

// Handle runs the terminal WebSocket step a rule selected for req,
// against the raw connection internal/acceptor handed off. It owns the
// handshake (accept, and for passthrough/forward, the matching upstream
// dial) and blocks until the connection's lifecycle ends.
func Handle(ctx context.Context, step *rules.Step, req *httpwire.Request, conn net.Conn, br *bufio.Reader, bw *bufio.Writer, opts Options) error {
	publish := func(name eventbus.Name, payload any) {
		if opts.Bus != nil {
			opts.Bus.Publish(eventbus.Event{Name: name, Payload: payload})
		}
	}
	publish(eventbus.WebSocketRequest, req.ID)

	switch step.Kind {
	case rules.StepReject:
		d := step.Reject
		if d == nil {
			d = &rules.ReplyDescriptor{StatusCode: 400, StatusMessage: "Bad Request"}
		}
		return RejectResponse(bw, d.StatusCode, d.StatusMessage, d.Headers, d.Body)

	case rules.StepClose:
		if step.CloseBeforeAccept {
			return conn.Close()
		}
		wsConn, err := Accept(conn, br, bw, req, nil)
		if err != nil {
			return err
		}
		publish(eventbus.WebSocketAccepted, req.ID)
		return wsConn.Close()

	case rules.StepTimeout:
		if _, err := Accept(conn, br, bw, req, nil); err != nil {
			return err
		}
		publish(eventbus.WebSocketAccepted, req.ID)
		<-ctx.Done()
		return conn.Close()

	case rules.StepEcho:
		wsConn, err := Accept(conn, br, bw, req, nil)
		if err != nil {
			return err
		}
		publish(eventbus.WebSocketAccepted, req.ID)
		return echo(wsConn, publish)

	case rules.StepListen:
		wsConn, err := Accept(conn, br, bw, req, nil)
		if err != nil {
			return err
		}
		publish(eventbus.WebSocketAccepted, req.ID)
		return listen(wsConn)

	case rules.StepPassthrough, rules.StepForward:
		return passthroughOrForward(ctx, step, req, conn, br, bw, opts, publish)

	default:
		return RejectResponse(bw, 500, "Internal Server Error", nil, []byte("unsupported websocket step kind"))
	}
}

// echo mirrors the teacher's wsConn read/write pump pair into a single
// goroutine-free loop: every received frame is written back verbatim in
// type (text/binary), and a client close is answered in kind.
func echo(conn *websocket.Conn, publish func(eventbus.Name, any)) error {
	defer conn.Close()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		publish(eventbus.WebSocketMessageReceived, data)
		if err := conn.WriteMessage(msgType, data); err != nil {
			return err
		}
		publish(eventbus.WebSocketMessageSent, data)
	}
}

// listen drains incoming frames without ever replying, exactly like the
// teacher's readPump that exists only to detect disconnection.
func listen(conn *websocket.Conn) error {
	defer conn.Close()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return nil
		}
	}
}

// passthroughOrForward performs the upstream handshake first (per
// spec.md §4.6: "on success, send the upstream's 101 to the client"),
// then splices both sides' raw connections frame-for-frame.
func passthroughOrForward(ctx context.Context, step *rules.Step, req *httpwire.Request, conn net.Conn, br *bufio.Reader, bw *bufio.Writer, opts Options, publish func(eventbus.Name, any)) error {
	dest := req.Destination
	path := req.Path
	secure := req.Protocol == "wss" || req.Protocol == "https"

	upstreamHeader := make(http.Header, len(req.RawHeaders))
	for _, p := range req.RawHeaders {
		if isHopByHopWSHeader(p.Name) {
			continue
		}
		upstreamHeader.Add(p.Name, p.Value)
	}

	if step.Kind == rules.StepForward {
		host, port, err := splitForwardTarget(step.Forward.Target, secure)
		if err != nil {
			return err
		}
		dest = httpwire.Destination{Hostname: host, Port: port}
		if step.Forward.UpdateHostHeader {
			upstreamHeader.Set("Host", step.Forward.Target)
		}
	}

	upstreamConn, resp, err := DialUpstream(dest, path, secure, upstreamHeader, opts.Dialer)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return err
	}
	defer upstreamConn.Close()

	clientConn, err := Accept(conn, br, bw, req, nil)
	if err != nil {
		upstreamConn.Close()
		return err
	}
	publish(eventbus.WebSocketAccepted, req.ID)
	defer clientConn.Close()

	err = splice(clientConn.UnderlyingConn(), upstreamConn.UnderlyingConn())
	publish(eventbus.WebSocketClose, req.ID)
	return err
}

// isHopByHopWSHeader strips headers the upstream handshake must compute
// itself (gorilla's Dialer sets Upgrade/Connection/Sec-WebSocket-Key/
// Version/Extensions) rather than forward verbatim from the client.
func isHopByHopWSHeader(name string) bool {
	switch strings.ToLower(name) {
	case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version",
		"sec-websocket-extensions", "sec-websocket-accept", "content-length", "host":
		return true
	default:
		return false
	}
}

func splitForwardTarget(target string, secure bool) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		host = target
		portStr = ""
	}
	port := 80
	if secure {
		port = 443
	}
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return "", 0, err
		}
	}
	return host, port, nil
}

// splice bidirectionally copies raw bytes between two already-upgraded
// WebSocket connections' underlying sockets — every opcode/FIN/RSV bit
// and mask pattern the client or upstream sent passes through exactly
// as received, including malformed frames (spec.md §4.6). Grounded on
// internal/acceptor's tlsPassthrough splice, the same byte-for-byte
// bidirectional copy used for raw TLS-passthrough tunnels.
func splice(a, b net.Conn) error {
	errc := make(chan error, 2)
	go func() { errc <- copyConn(a, b) }()
	go func() { errc <- copyConn(b, a) }()
	err := <-errc
	a.Close()
	b.Close()
	<-errc
	return err
}

func copyConn(dst, src net.Conn) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}
