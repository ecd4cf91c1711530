package rules

import (
	"testing"
)

func TestParseBuildsRuleFromYAML(t *testing.T) {
	doc := []byte(`
rules:
  - id: greet
    priority: 100
    matchers:
      - kind: method
        method: GET
      - kind: path-exact
        path: /hello
    steps:
      - kind: reply
        reply:
          statusCode: 200
          body: "hi"
`)

	rules, err := Parse(doc, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	rule := rules[0]
	if rule.ID != "greet" || rule.Priority != 100 {
		t.Fatalf("unexpected rule: %+v", rule)
	}
	if len(rule.Matchers) != 2 || len(rule.Steps) != 1 {
		t.Fatalf("unexpected shape: %d matchers, %d steps", len(rule.Matchers), len(rule.Steps))
	}
	if rule.Steps[0].Reply.StatusCode != 200 || string(rule.Steps[0].Reply.Body) != "hi" {
		t.Fatalf("unexpected reply: %+v", rule.Steps[0].Reply)
	}
}

func TestParseResolvesParamRef(t *testing.T) {
	doc := []byte(`
rules:
  - id: r1
    matchers:
      - kind: host
        host: {paramRef: targetHost}
    steps:
      - kind: reply
        reply:
          statusCode: 204
`)
	params := map[string]any{"targetHost": "api.internal.example.com"}

	rules, err := Parse(doc, params)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rules[0].Matchers[0].Host != "api.internal.example.com" {
		t.Fatalf("unexpected resolved host: %q", rules[0].Matchers[0].Host)
	}
}

func TestParseRejectsUnknownParamRef(t *testing.T) {
	doc := []byte(`
rules:
  - id: r1
    matchers:
      - kind: host
        host: {paramRef: missing}
    steps:
      - kind: reply
        reply:
          statusCode: 204
`)
	if _, err := Parse(doc, map[string]any{}); err == nil {
		t.Fatal("expected an error for an unresolved paramRef")
	}
}

func TestParseRejectsCallbackMatcher(t *testing.T) {
	doc := []byte(`
rules:
  - id: r1
    matchers:
      - kind: callback
    steps:
      - kind: reply
        reply:
          statusCode: 200
`)
	if _, err := Parse(doc, nil); err == nil {
		t.Fatal("expected an error for a declarative callback matcher")
	}
}

func TestParseForwardStep(t *testing.T) {
	doc := []byte(`
rules:
  - id: r1
    matchers:
      - kind: hostname
        hostname: upstream.example.com
    steps:
      - kind: forward
        forward:
          target: "backend.internal:9090"
          updateHostHeader: true
`)
	rules, err := Parse(doc, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	fwd := rules[0].Steps[0].Forward
	if fwd.Target != "backend.internal:9090" || !fwd.UpdateHostHeader {
		t.Fatalf("unexpected forward options: %+v", fwd)
	}
}
