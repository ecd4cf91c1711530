package rules

import (
	"io"
	"testing"

	"github.com/relaymock/relay/internal/bodycodec"
	"github.com/relaymock/relay/internal/httpwire"
)

func reqWithBody(body string) *httpwire.Request {
	req := httpwire.NewRequest()
	req.Body = httpwire.NewBufferedBody([]byte(body), bodycodec.Identity, 1<<20)
	req.URL = "http://example.com/path?a=1&b=2"
	req.Path = "/path"
	req.Method = "POST"
	return req
}

func TestMatcherPathExactAndRegex(t *testing.T) {
	req := reqWithBody("")
	exact := &Matcher{Kind: MatcherPathExact, Path: "/path"}
	if ok, err := exact.Match(req); err != nil || !ok {
		t.Fatalf("path-exact: ok=%v err=%v", ok, err)
	}

	re := &Matcher{Kind: MatcherPathRegex, Path: `^/pa\w+$`}
	if err := re.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if ok, err := re.Match(req); err != nil || !ok {
		t.Fatalf("path-regex: ok=%v err=%v", ok, err)
	}
}

func TestMatcherQueryExactAndIncludes(t *testing.T) {
	req := reqWithBody("")

	exact := &Matcher{Kind: MatcherQueryExact, Query: map[string]string{"a": "1", "b": "2"}}
	if ok, _ := exact.Match(req); !ok {
		t.Fatal("query-exact should match full query set")
	}

	partial := &Matcher{Kind: MatcherQueryExact, Query: map[string]string{"a": "1"}}
	if ok, _ := partial.Match(req); ok {
		t.Fatal("query-exact should reject a subset")
	}

	includes := &Matcher{Kind: MatcherQueryIncludes, Query: map[string]string{"a": "1"}}
	if ok, _ := includes.Match(req); !ok {
		t.Fatal("query-includes should match a subset")
	}
}

func TestMatcherJSONBodyExactAndIncludes(t *testing.T) {
	req := reqWithBody(`{"name":"widget","tags":["a","b"],"meta":{"id":1}}`)

	exact := &Matcher{Kind: MatcherJSONBodyExact, JSON: map[string]any{
		"name": "widget",
		"tags": []any{"a", "b"},
		"meta": map[string]any{"id": float64(1)},
	}}
	ok, err := exact.Match(req)
	if err != nil || !ok {
		t.Fatalf("json-body-exact: ok=%v err=%v", ok, err)
	}

	includes := &Matcher{Kind: MatcherJSONBodyIncludes, JSON: map[string]any{"name": "widget"}}
	ok, err = includes.Match(req)
	if err != nil || !ok {
		t.Fatalf("json-body-includes: ok=%v err=%v", ok, err)
	}

	mismatch := &Matcher{Kind: MatcherJSONBodyIncludes, JSON: map[string]any{"name": "gadget"}}
	ok, err = mismatch.Match(req)
	if err != nil || ok {
		t.Fatalf("json-body-includes mismatch: expected false, got ok=%v err=%v", ok, err)
	}
}

func TestMatcherCallbackErrorIsHardFailure(t *testing.T) {
	req := reqWithBody("")
	boom := &Matcher{Kind: MatcherCallback, Callback: func(r *httpwire.Request) (bool, error) {
		return false, io.ErrUnexpectedEOF
	}}
	_, err := boom.Match(req)
	if err == nil {
		t.Fatal("expected callback error to propagate")
	}
}

func TestMatcherHostGlob(t *testing.T) {
	req := reqWithBody("")
	req.RawHeaders.Add("Host", "api.example.com")

	m := &Matcher{Kind: MatcherHost, Host: "*.example.com"}
	if err := m.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if ok, err := m.Match(req); err != nil || !ok {
		t.Fatalf("host glob: ok=%v err=%v", ok, err)
	}

	miss := &Matcher{Kind: MatcherHost, Host: "*.other.com"}
	if err := miss.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if ok, _ := miss.Match(req); ok {
		t.Fatal("expected no match for a different suffix")
	}

	exact := &Matcher{Kind: MatcherHost, Host: "api.example.com"}
	if err := exact.Compile(); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if ok, err := exact.Match(req); err != nil || !ok {
		t.Fatalf("host exact fallback: ok=%v err=%v", ok, err)
	}
}

func TestMatcherCookie(t *testing.T) {
	req := reqWithBody("")
	req.RawHeaders.Add("Cookie", "session=abc123; theme=dark")

	m := &Matcher{Kind: MatcherCookie, Cookie: "theme", CookieValue: "dark"}
	if ok, err := m.Match(req); err != nil || !ok {
		t.Fatalf("cookie: ok=%v err=%v", ok, err)
	}

	miss := &Matcher{Kind: MatcherCookie, Cookie: "theme", CookieValue: "light"}
	if ok, _ := miss.Match(req); ok {
		t.Fatal("expected no match for wrong cookie value")
	}
}
