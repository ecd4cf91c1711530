package wsrelay

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/rules"
)

func TestIsUpgradeRequestRecognizesValidHandshake(t *testing.T) {
	req := httpwire.NewRequest()
	req.Method = "GET"
	req.RawHeaders.Add("Connection", "Upgrade")
	req.RawHeaders.Add("Upgrade", "websocket")
	req.RawHeaders.Add("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.RawHeaders.Add("Sec-WebSocket-Version", "13")

	if !IsUpgradeRequest(req) {
		t.Fatal("expected a valid handshake to be recognized")
	}
}

func TestIsUpgradeRequestRejectsPlainGET(t *testing.T) {
	req := httpwire.NewRequest()
	req.Method = "GET"
	if IsUpgradeRequest(req) {
		t.Fatal("expected a plain GET not to be recognized as an upgrade")
	}
}

func TestIsUpgradeRequestRejectsWrongMethod(t *testing.T) {
	req := httpwire.NewRequest()
	req.Method = "POST"
	req.RawHeaders.Add("Connection", "Upgrade")
	req.RawHeaders.Add("Upgrade", "websocket")
	req.RawHeaders.Add("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.RawHeaders.Add("Sec-WebSocket-Version", "13")
	if IsUpgradeRequest(req) {
		t.Fatal("expected a POST not to be recognized as an upgrade")
	}
}

// acceptOnce parses one HTTP head off a raw server connection and
// returns it as a Request, mirroring what internal/session's Handler
// does after internal/acceptor classifies the connection.
func acceptOnce(t *testing.T, conn net.Conn) (*httpwire.Request, *bufio.Reader, *bufio.Writer) {
	t.Helper()
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	head, err := httpwire.ParseRequestHead(br)
	if err != nil {
		t.Fatalf("parsing request head: %v", err)
	}
	req := httpwire.NewRequest()
	req.Method = head.Line.Method
	req.Path = head.Line.Target
	req.HTTPVersion = head.Line.HTTPVersion
	req.RawHeaders = head.Headers
	req.Protocol = "ws"
	return req, br, bw
}

func TestHandleEchoRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		req, br, bw := acceptOnce(t, conn)
		step := &rules.Step{Kind: rules.StepEcho}
		serverErr <- Handle(context.Background(), step, req, conn, br, bw, Options{})
	}()

	dialer := websocket.DefaultDialer
	clientConn, _, err := dialer.Dial("ws://"+ln.Addr().String()+"/chat", nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer clientConn.Close()

	if err := clientConn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.TextMessage || string(data) != "hello" {
		t.Fatalf("unexpected echoed message: type=%d data=%q", msgType, data)
	}

	clientConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case err := <-serverErr:
		if err != nil {
			t.Fatalf("server Handle returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side Handle to return")
	}
}

func TestHandleRejectSendsHTTPResponseInsteadOf101(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	serverErr := make(chan error, 1)
	go func() {
		br := bufio.NewReader(server)
		bw := bufio.NewWriter(server)
		req := httpwire.NewRequest()
		req.Method = "GET"
		step := &rules.Step{Kind: rules.StepReject, Reject: &rules.ReplyDescriptor{
			StatusCode: 403, StatusMessage: "Forbidden", Body: []byte("nope"),
		}}
		serverErr <- Handle(context.Background(), step, req, server, br, bw, Options{})
	}()

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if status != "HTTP/1.1 403 Forbidden\r\n" {
		t.Fatalf("unexpected status line: %q", status)
	}

	if err := <-serverErr; err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
}
