package httpwire

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestParseRequestHead(t *testing.T) {
	raw := "GET /widgets?id=1 HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"X-Custom: one\r\n" +
		"X-Multiline: first\r\n" +
		" continued\r\n" +
		"\r\n"

	head, err := ParseRequestHead(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ParseRequestHead: %v", err)
	}
	if head.Line.Method != "GET" || head.Line.Target != "/widgets?id=1" || head.Line.HTTPVersion != "1.1" {
		t.Fatalf("unexpected request line: %+v", head.Line)
	}
	if got := head.Headers.Get("host"); got != "example.com" {
		t.Fatalf("Host header: got %q", got)
	}
	if got := head.Headers.Get("x-multiline"); got != "first continued" {
		t.Fatalf("folded continuation: got %q", got)
	}
}

func TestParseResponseHeadAndRoundTrip(t *testing.T) {
	raw := "HTTP/1.1 404 Not Found\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	head, err := ParseResponseHead(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ParseResponseHead: %v", err)
	}
	if head.Line.StatusCode != 404 || head.Line.StatusMessage != "Not Found" {
		t.Fatalf("unexpected status line: %+v", head.Line)
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteResponseHead(w, head.Line, head.Headers); err != nil {
		t.Fatalf("WriteResponseHead: %v", err)
	}
	w.Flush()
	if buf.String() != raw {
		t.Fatalf("round trip mismatch:\ngot:  %q\nwant: %q", buf.String(), raw)
	}
}

func TestParseHeadersRejectsMalformedLine(t *testing.T) {
	raw := "not-a-header-line\r\n\r\n"
	_, err := ParseHeaders(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected error for malformed header line")
	}
}
