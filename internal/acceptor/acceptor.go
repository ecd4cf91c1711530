// Package acceptor runs the front door of the proxy: it owns the TCP
// listener, sniffs each connection's first byte to tell TLS from
// plaintext HTTP/1, negotiates ALPN, recognizes (and recurses through)
// CONNECT tunnels, and hands a fully-classified connection off to a
// Handler (spec.md §4.2). MITM certificate minting is delegated to
// internal/certauth; everything above the byte-sniff/ALPN/CONNECT
// layer — request parsing, rule matching, step execution — lives in
// internal/session's Handler implementation.
//
// Grounded on the teacher's cmd/ctrlai/main.go net/http.Server bootstrap
// (ungrounded here, since the teacher never terminates raw TLS itself)
// generalized using WhileEndless-go-rawhttp's connection-classification
// style (peek-first-byte, hand-rolled protocol detection) instead of
// net/http, because intercepting and MITMing requires inspecting bytes
// net/http never exposes.
package acceptor

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/relaymock/relay/internal/certauth"
	"github.com/relaymock/relay/internal/eventbus"
	"github.com/relaymock/relay/internal/httpwire"
)

// HTTP2Mode controls ALPN advertisement for TLS connections.
type HTTP2Mode string

const (
	HTTP2Enabled  HTTP2Mode = "true"
	HTTP2Disabled HTTP2Mode = "false"
	HTTP2Fallback HTTP2Mode = "fallback"
)

// RequestMeta describes the connection a Handler is about to serve a
// request stream on.
type RequestMeta struct {
	Protocol           string // "http" | "https"
	HTTPVersion        string // "1.1" | "2.0"
	TLSState           *tls.ConnectionState
	SNI                string
	DefaultDestination httpwire.Destination // set when reached through a CONNECT tunnel
	RemoteAddr         net.Addr
}

// Handler serves one connection's request stream. It owns reading
// requests off br and writing responses to bw/conn for as long as the
// connection stays alive (keep-alive loop included); it returns when
// the connection should be closed.
type Handler interface {
	Serve(ctx context.Context, conn net.Conn, br *bufio.Reader, bw *bufio.Writer, meta RequestMeta)
}

// Config configures an Acceptor.
type Config struct {
	Listener            net.Listener
	CertCache           *certauth.Cache
	HTTP2               HTTP2Mode
	TLSPassthroughHosts []string // SNI values that bypass MITM entirely
	Handler             Handler
	Bus                 *eventbus.Bus
	HandshakeTimeout    time.Duration
}

// Acceptor runs the accept loop described by Config.
type Acceptor struct {
	cfg Config
}

// New builds an Acceptor from cfg, defaulting HandshakeTimeout to 10s.
func New(cfg Config) *Acceptor {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Acceptor{cfg: cfg}
}

// Serve runs the accept loop until ctx is cancelled or the listener
// errors. Each connection is handled in its own goroutine.
func (a *Acceptor) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.cfg.Listener.Close()
	}()

	for {
		conn, err := a.cfg.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go a.handleConn(ctx, conn, httpwire.Destination{})
	}
}

// handleConn classifies conn (steps 1-4 of spec.md §4.2) and either
// dispatches to the Handler or recurses for a CONNECT tunnel.
func (a *Acceptor) handleConn(ctx context.Context, conn net.Conn, defaultDest httpwire.Destination) {
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		conn.Close()
		return
	}

	if first[0] == 0x16 {
		a.handleTLS(ctx, conn, br, defaultDest)
		return
	}

	a.handlePlaintext(ctx, conn, br, defaultDest)
}

// handlePlaintext recognizes a leading CONNECT line (tunnel setup) and
// otherwise hands the connection straight to the Handler as HTTP/1.
func (a *Acceptor) handlePlaintext(ctx context.Context, conn net.Conn, br *bufio.Reader, defaultDest httpwire.Destination) {
	// Peek only the "CONNECT " prefix length — every valid request line
	// is at least that long, so this can never block waiting for bytes a
	// well-formed client was never going to send.
	peeked, _ := br.Peek(len("CONNECT "))
	if len(peeked) == 0 {
		conn.Close()
		return
	}
	if isConnectLine(peeked) {
		a.handleConnectTunnel(ctx, conn, br)
		return
	}

	bw := bufio.NewWriter(conn)
	meta := RequestMeta{Protocol: "http", HTTPVersion: "1.1", DefaultDestination: defaultDest, RemoteAddr: conn.RemoteAddr()}
	a.cfg.Handler.Serve(ctx, conn, br, bw, meta)
}

func isConnectLine(peeked []byte) bool {
	line := string(peeked)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	return strings.HasPrefix(line, "CONNECT ")
}

// handleConnectTunnel replies 200 to a CONNECT request, then recurses
// into handleConn on the same socket (spec.md §4.2 step 3), remembering
// the tunnelled host:port as the default destination for subsequent
// origin-form requests.
func (a *Acceptor) handleConnectTunnel(ctx context.Context, conn net.Conn, br *bufio.Reader) {
	line, err := httpwire.ParseRequestLine(br)
	if err != nil {
		conn.Close()
		return
	}
	if _, err := httpwire.ParseHeaders(br); err != nil {
		conn.Close()
		return
	}

	host, portStr, err := net.SplitHostPort(line.Target)
	if err != nil {
		writeConnectError(conn, "400 Bad Request")
		conn.Close()
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		writeConnectError(conn, "400 Bad Request")
		conn.Close()
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		conn.Close()
		return
	}

	dest := httpwire.Destination{Hostname: host, Port: port}
	// br may still hold buffered bytes belonging to the tunnelled stream
	// (pipelined clients); handleConn re-peeks off the same reader.
	a.handleConnInner(ctx, conn, br, dest)
}

// handleConnInner is handleConn without re-wrapping conn in a fresh
// bufio.Reader, since br may already hold buffered tunnel bytes.
func (a *Acceptor) handleConnInner(ctx context.Context, conn net.Conn, br *bufio.Reader, defaultDest httpwire.Destination) {
	first, err := br.Peek(1)
	if err != nil {
		conn.Close()
		return
	}
	if first[0] == 0x16 {
		a.handleTLS(ctx, conn, br, defaultDest)
		return
	}
	a.handlePlaintext(ctx, conn, br, defaultDest)
}

func writeConnectError(conn net.Conn, status string) {
	conn.Write([]byte("HTTP/1.1 " + status + "\r\n\r\n"))
}

// handleTLS performs the MITM (or passthrough) handshake for step 2 of
// spec.md §4.2.
func (a *Acceptor) handleTLS(ctx context.Context, conn net.Conn, br *bufio.Reader, defaultDest httpwire.Destination) {
	sni, ok := peekSNI(br)
	if ok && matchesAny(sni, a.cfg.TLSPassthroughHosts) {
		a.passthroughTLS(ctx, conn, br, sni, defaultDest)
		return
	}

	tlsConn := tls.Server(&peekedConn{Conn: conn, br: br}, a.tlsConfig())

	deadline := time.Now().Add(a.cfg.HandshakeTimeout)
	tlsConn.SetDeadline(deadline)
	err := tlsConn.HandshakeContext(ctx)
	tlsConn.SetDeadline(time.Time{})
	if err != nil {
		slog.Debug("acceptor: TLS handshake failed", "sni", sni, "error", err)
		a.emitTLSClientError(sni, err)
		tlsConn.Close()
		return
	}

	state := tlsConn.ConnectionState()
	version := "1.1"
	if state.NegotiatedProtocol == "h2" {
		version = "2.0"
	}

	innerBR := bufio.NewReader(tlsConn)
	bw := bufio.NewWriter(tlsConn)
	meta := RequestMeta{
		Protocol:           "https",
		HTTPVersion:        version,
		TLSState:           &state,
		SNI:                sni,
		DefaultDestination: defaultDest,
		RemoteAddr:         conn.RemoteAddr(),
	}
	a.cfg.Handler.Serve(ctx, tlsConn, innerBR, bw, meta)
}

// tlsConfig builds the MITM tls.Config: ALPN per HTTP2 mode and the
// certificate cache's per-SNI minting callback.
func (a *Acceptor) tlsConfig() *tls.Config {
	cfg := &tls.Config{
		GetCertificate: a.cfg.CertCache.GetCertificate(),
		MinVersion:     tls.VersionTLS12,
	}
	switch a.cfg.HTTP2 {
	case HTTP2Enabled:
		cfg.NextProtos = []string{"h2", "http/1.1"}
	case HTTP2Fallback:
		// Offer both but prefer http/1.1 when the client also offers it —
		// NextProtos order is the server's preference under
		// PreferServerCipherSuites-style negotiation for ALPN, so put
		// http/1.1 first and let the stdlib's fallback selection pick it
		// whenever the client includes it.
		cfg.NextProtos = []string{"http/1.1", "h2"}
	default:
		cfg.NextProtos = []string{"http/1.1"}
	}
	return cfg
}

// passthroughTLS splices the raw socket to an upstream TCP connection
// without terminating TLS inside the proxy (spec.md §4.2 step 2).
func (a *Acceptor) passthroughTLS(ctx context.Context, conn net.Conn, br *bufio.Reader, sni string, dest httpwire.Destination) {
	target := dest
	if target.Hostname == "" {
		target.Hostname = sni
		target.Port = 443
	}

	opened := time.Now()
	if a.cfg.Bus != nil {
		a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.TLSPassthroughOpened, Payload: sni})
	}

	upstream, err := net.DialTimeout("tcp", net.JoinHostPort(target.Hostname, strconv.Itoa(target.Port)), a.cfg.HandshakeTimeout)
	if err != nil {
		slog.Debug("acceptor: tlsPassthrough dial failed", "sni", sni, "error", err)
		conn.Close()
		return
	}

	splice(&peekedConn{Conn: conn, br: br}, upstream)

	if a.cfg.Bus != nil {
		a.cfg.Bus.Publish(eventbus.Event{Name: eventbus.TLSPassthroughClosed, Payload: map[string]any{"sni": sni, "duration": time.Since(opened)}})
	}
}

// splice copies bytes in both directions until either side closes.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	copyFn := func(dst, src net.Conn) {
		ioCopy(dst, src)
		done <- struct{}{}
	}
	go copyFn(a, b)
	go copyFn(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}

func ioCopy(dst, src net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// emitTLSClientError classifies a handshake failure into spec.md §4.2's
// failureCause taxonomy and publishes a tls-client-error event.
func (a *Acceptor) emitTLSClientError(sni string, err error) {
	if a.cfg.Bus == nil {
		return
	}
	cause := classifyHandshakeError(err)
	a.cfg.Bus.Publish(eventbus.Event{
		Name: eventbus.TLSClientError,
		Payload: map[string]any{
			"failureCause": cause,
			"tag":          "passthrough-tls-error:" + cause,
			"sni":          sni,
		},
	})
}

func classifyHandshakeError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "handshake-timeout"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "bad certificate"), strings.Contains(msg, "certificate_required"):
		return "cert-rejected"
	case strings.Contains(msg, "unknown certificate authority"), strings.Contains(msg, "unknown_ca"):
		return "unknown-ca"
	case strings.Contains(msg, "no cipher suite"), strings.Contains(msg, "handshake failure"):
		return "no-shared-cipher"
	case strings.Contains(msg, "alert"):
		if n, ok := extractAlertNumber(msg); ok {
			return "alert-" + n
		}
		return "alert-0"
	default:
		return "neterr"
	}
}

func extractAlertNumber(msg string) (string, bool) {
	idx := strings.LastIndex(msg, "alert(")
	if idx < 0 {
		return "", false
	}
	rest := msg[idx+len("alert("):]
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

func matchesAny(host string, list []string) bool {
	for _, h := range list {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// peekSNI extracts the SNI value from the ClientHello's record bytes
// using bufio.Reader.Peek, which never advances the read position — so
// the same bytes are still there for the real tls.Server handshake that
// follows. Any parse failure just means no SNI was found; the real
// handshake is the source of truth for whether the bytes are valid TLS.
func peekSNI(br *bufio.Reader) (string, bool) {
	head, err := br.Peek(5)
	if err != nil || head[0] != 0x16 {
		return "", false
	}
	recordLen := int(head[3])<<8 | int(head[4])
	if recordLen <= 0 || recordLen > 1<<16 {
		return "", false
	}

	full, err := br.Peek(5 + recordLen)
	if err != nil {
		return "", false
	}
	return parseSNIFromClientHello(full[5:])
}

// parseSNIFromClientHello walks a handshake-layer ClientHello message
// (the record layer already stripped) to find extension 0x0000 (server
// name), per RFC 8446 §4.1.2/§4.2.9, returning its host_name entry.
func parseSNIFromClientHello(msg []byte) (string, bool) {
	if len(msg) < 4 || msg[0] != 0x01 { // handshake type 1 = ClientHello
		return "", false
	}
	body := msg[4:]

	// legacy_version(2) + random(32)
	if len(body) < 34 {
		return "", false
	}
	p := body[34:]

	// session_id
	if len(p) < 1 {
		return "", false
	}
	sidLen := int(p[0])
	p = p[1:]
	if len(p) < sidLen {
		return "", false
	}
	p = p[sidLen:]

	// cipher_suites
	if len(p) < 2 {
		return "", false
	}
	csLen := int(p[0])<<8 | int(p[1])
	p = p[2:]
	if len(p) < csLen {
		return "", false
	}
	p = p[csLen:]

	// compression_methods
	if len(p) < 1 {
		return "", false
	}
	cmLen := int(p[0])
	p = p[1:]
	if len(p) < cmLen {
		return "", false
	}
	p = p[cmLen:]

	// extensions
	if len(p) < 2 {
		return "", false
	}
	extLen := int(p[0])<<8 | int(p[1])
	p = p[2:]
	if len(p) < extLen {
		return "", false
	}
	p = p[:extLen]

	for len(p) >= 4 {
		extType := int(p[0])<<8 | int(p[1])
		length := int(p[2])<<8 | int(p[3])
		p = p[4:]
		if len(p) < length {
			return "", false
		}
		data := p[:length]
		p = p[length:]

		if extType == 0x0000 { // server_name
			if len(data) < 2 {
				continue
			}
			listLen := int(data[0])<<8 | int(data[1])
			data = data[2:]
			if listLen > len(data) {
				continue
			}
			data = data[:listLen]
			for len(data) >= 3 {
				nameType := data[0]
				nameLen := int(data[1])<<8 | int(data[2])
				data = data[3:]
				if nameLen > len(data) {
					return "", false
				}
				if nameType == 0 {
					return string(data[:nameLen]), true
				}
				data = data[nameLen:]
			}
		}
	}
	return "", false
}

// peekedConn wraps conn so the bytes already buffered in br (the
// first-byte peek, and anything read while sniffing SNI) are replayed
// before further reads hit the real socket.
type peekedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}
