package httpwire

import (
	"testing"

	"golang.org/x/net/http2/hpack"
)

func TestDecodeHTTP2RequestHeaders(t *testing.T) {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/submit"},
		{Name: "content-type", Value: "application/json"},
	}

	method, scheme, authority, path, headers, err := DecodeHTTP2RequestHeaders(fields)
	if err != nil {
		t.Fatalf("DecodeHTTP2RequestHeaders: %v", err)
	}
	if method != "POST" || scheme != "https" || authority != "example.com" || path != "/submit" {
		t.Fatalf("unexpected pseudo-headers: method=%q scheme=%q authority=%q path=%q", method, scheme, authority, path)
	}
	if got := headers.Get("content-type"); got != "application/json" {
		t.Fatalf("content-type: got %q", got)
	}
	if got := headers.Get("host"); got != "example.com" {
		t.Fatalf("synthesized host header: got %q", got)
	}
}

func TestDecodeHTTP2RequestHeadersMissingPseudo(t *testing.T) {
	fields := []hpack.HeaderField{{Name: ":scheme", Value: "https"}}
	if _, _, _, _, _, err := DecodeHTTP2RequestHeaders(fields); err == nil {
		t.Fatal("expected error for missing :method/:path")
	}
}

func TestEncodeHTTP2RequestHeadersOrder(t *testing.T) {
	req := NewRequest()
	req.Method = "GET"
	req.URL = "https://example.com/path?x=1"
	req.RawHeaders.Add("Host", "example.com")
	req.RawHeaders.Add("Accept", "*/*")
	req.RawHeaders.Add("Connection", "keep-alive")

	fields, err := EncodeHTTP2RequestHeaders(req)
	if err != nil {
		t.Fatalf("EncodeHTTP2RequestHeaders: %v", err)
	}
	if len(fields) < 4 {
		t.Fatalf("expected at least 4 pseudo-headers, got %d", len(fields))
	}
	wantPseudo := []string{":method", ":scheme", ":authority", ":path"}
	for i, name := range wantPseudo {
		if fields[i].Name != name {
			t.Fatalf("field[%d].Name = %q, want %q", i, fields[i].Name, name)
		}
	}
	for _, f := range fields {
		if f.Name == "connection" || f.Name == "host" {
			t.Fatalf("hop-by-hop/host header leaked into http2 fields: %+v", f)
		}
	}
}

func TestDecodeEncodeHTTP2ResponseHeaders(t *testing.T) {
	resp := &Response{StatusCode: 200}
	resp.RawHeaders.Add("Content-Type", "text/html")

	fields := EncodeHTTP2ResponseHeaders(resp)
	if fields[0].Name != ":status" || fields[0].Value != "200" {
		t.Fatalf("expected :status first, got %+v", fields[0])
	}

	status, headers, err := DecodeHTTP2ResponseHeaders(fields)
	if err != nil {
		t.Fatalf("DecodeHTTP2ResponseHeaders: %v", err)
	}
	if status != 200 {
		t.Fatalf("status: got %d", status)
	}
	if got := headers.Get("content-type"); got != "text/html" {
		t.Fatalf("content-type: got %q", got)
	}
}
