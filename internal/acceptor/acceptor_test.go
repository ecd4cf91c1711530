package acceptor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/relaymock/relay/internal/httpwire"
)

// realClientHelloHex is a genuine TLS 1.3 ClientHello (captured from a
// real handshake attempt against a throwaway listener) whose SNI
// extension carries "example.test" — used to exercise peekSNI/
// parseSNIFromClientHello against real wire bytes instead of a
// hand-assembled fixture.
const realClientHelloHex = "1603010200010001fc030384855527648f1df90988df440d868c5d3532eeabeaa29ffd1b1fc3318610e6a520e17ab10214dbabdc84cb2bcf9ad9dfeac4cc2cded956052322f3092ac99c0bf40024130213031301c02cc030c02bc02fcca9cca8c024c028c023c027009f009e006b006700ff0100018f00000011000f00000c6578616d706c652e74657374000b000403000102000a00160014001d0017001e0019001801000101010201030104002300000016000000170000000d002a0028040305030603080708080809080a080b080408050806040105010601030303010302040205020602002b00050403040303002d00020101003300260024001d002068acd60a08479b9415999a29bc4b9d960c7d9a432a69a4051569502eecfbd739001500e1000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

func TestPeekSNIExtractsHostFromRealClientHello(t *testing.T) {
	raw, err := hex.DecodeString(realClientHelloHex)
	if err != nil {
		t.Fatalf("decoding fixture: %v", err)
	}
	br := bufio.NewReader(bytes.NewReader(raw))

	sni, ok := peekSNI(br)
	if !ok || sni != "example.test" {
		t.Fatalf("peekSNI: got sni=%q ok=%v", sni, ok)
	}

	// Peek must not have consumed anything: the full record is still
	// readable off br afterward.
	replay := make([]byte, len(raw))
	if _, err := br.Read(replay); err != nil {
		t.Fatalf("reading after peekSNI: %v", err)
	}
	if !bytes.Equal(replay, raw) {
		t.Fatal("peekSNI consumed bytes from the reader")
	}
}

func TestPeekSNIRejectsNonTLS(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader([]byte("GET / HTTP/1.1\r\n\r\n")))
	if _, ok := peekSNI(br); ok {
		t.Fatal("expected no SNI for a plaintext stream")
	}
}

func TestIsConnectLine(t *testing.T) {
	if !isConnectLine([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")) {
		t.Fatal("expected CONNECT line to be recognized")
	}
	if isConnectLine([]byte("GET / HTTP/1.1\r\n\r\n")) {
		t.Fatal("expected GET not to be recognized as CONNECT")
	}
}

func TestClassifyHandshakeError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{errors.New("tls: unknown certificate authority"), "unknown-ca"},
		{errors.New("tls: bad certificate"), "cert-rejected"},
		{errors.New("tls: handshake failure"), "no-shared-cipher"},
		{errors.New("tls: some other alert(112)"), "alert-112"},
		{errors.New("connection reset by peer"), "neterr"},
	}
	for _, c := range cases {
		if got := classifyHandshakeError(c.err); got != c.want {
			t.Errorf("classifyHandshakeError(%q) = %q, want %q", c.err, got, c.want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyHandshakeErrorTimeout(t *testing.T) {
	var netErr net.Error = timeoutErr{}
	if got := classifyHandshakeError(netErr); got != "handshake-timeout" {
		t.Fatalf("expected handshake-timeout, got %q", got)
	}
}

func TestMatchesAny(t *testing.T) {
	if !matchesAny("Example.COM", []string{"example.com"}) {
		t.Fatal("expected case-insensitive match")
	}
	if matchesAny("other.com", []string{"example.com"}) {
		t.Fatal("expected no match")
	}
}

type recordingHandler struct {
	metas chan RequestMeta
}

func (h *recordingHandler) Serve(ctx context.Context, conn net.Conn, br *bufio.Reader, bw *bufio.Writer, meta RequestMeta) {
	h.metas <- meta
}

func TestConnectTunnelRepliesThenRecursesToPlaintext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	handler := &recordingHandler{metas: make(chan RequestMeta, 1)}
	a := New(Config{Handler: handler})

	go func() {
		client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	}()

	server.SetDeadline(time.Now().Add(2 * time.Second))
	go a.handleConn(context.Background(), server, httpwire.Destination{})

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if status != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected status line: %q", status)
	}
	blank, _ := br.ReadString('\n')
	if blank != "\r\n" {
		t.Fatalf("expected blank line terminator, got %q", blank)
	}

	client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	select {
	case meta := <-handler.metas:
		if meta.Protocol != "http" {
			t.Fatalf("expected plaintext protocol after CONNECT, got %q", meta.Protocol)
		}
		if meta.DefaultDestination.Hostname != "example.com" || meta.DefaultDestination.Port != 443 {
			t.Fatalf("expected remembered CONNECT destination, got %+v", meta.DefaultDestination)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to be invoked after CONNECT")
	}
}
