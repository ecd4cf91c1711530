// Package rules implements the rule engine: matchers evaluated against
// an in-flight request, completion checkers that track whether a rule
// is still pending, and the priority/pending selection algorithm that
// picks which rule, if any, handles a given request.
//
// Grounded on the pack's ctrlai/internal/engine package — a tagged
// Matcher variant with pre-compiled regex/glob patterns, evaluated
// in order with short-circuit AND semantics — generalized from
// tool-call guardrails to HTTP request matching.
package rules

import (
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/url"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/relayerr"
)

// MatcherKind identifies a Matcher's tagged variant.
type MatcherKind string

const (
	MatcherMethod            MatcherKind = "method"
	MatcherHost               MatcherKind = "host"
	MatcherHostname           MatcherKind = "hostname"
	MatcherPort               MatcherKind = "port"
	MatcherProtocol           MatcherKind = "protocol"
	MatcherPathExact          MatcherKind = "path-exact"
	MatcherPathRegex          MatcherKind = "path-regex"
	MatcherURLExact           MatcherKind = "url-exact"
	MatcherURLRegex           MatcherKind = "url-regex"
	MatcherQueryExact         MatcherKind = "query-exact"
	MatcherQueryIncludes      MatcherKind = "query-includes"
	MatcherHeaderIncludes     MatcherKind = "header-includes"
	MatcherHeaderMatches      MatcherKind = "header-matches"
	MatcherBodyIncludes       MatcherKind = "body-includes"
	MatcherBodyMatchesRegex   MatcherKind = "body-matches-regex"
	MatcherJSONBodyExact      MatcherKind = "json-body-exact"
	MatcherJSONBodyIncludes   MatcherKind = "json-body-includes"
	MatcherFormIncludes       MatcherKind = "form-includes"
	MatcherCookie             MatcherKind = "cookie"
	MatcherRawBodyRegex       MatcherKind = "raw-body-regex"
	MatcherCallback           MatcherKind = "callback"
	MatcherMultipartIncludes  MatcherKind = "multipart-includes"
)

// CallbackMatcherFunc is a caller-supplied predicate for MatcherCallback.
// A returned error is a hard match-failure (spec.md §4.3): it aborts the
// whole matching pass rather than just failing this one matcher.
type CallbackMatcherFunc func(req *httpwire.Request) (bool, error)

// Matcher is a tagged-variant condition evaluated against a request.
// Exactly the fields relevant to Kind are populated; Compile must be
// called once after construction (e.g. on rule load) before Match is
// ever invoked, to pre-compile regex/glob patterns the way the pack's
// compileMatcher does for its tool-call rules.
type Matcher struct {
	Kind MatcherKind

	Method   string
	Host     string // Host header value; exact, or a glob if it contains *, ? or [
	Hostname string // exact
	Port     int
	Protocol string // "http"|"https"|"ws"|"wss"

	Path    string // exact or regex source, per Kind
	URL     string
	Query   map[string]string // exact: all keys equal; includes: subset
	Header  string            // header name for includes/matches
	Value   string            // substring (includes) or regex source (matches)
	JSON    any               // exact: deep-equal; includes: subset (objects merge-subset, arrays element-subset)
	Form    map[string]string
	Cookie  string // cookie name
	CookieValue string

	Callback CallbackMatcherFunc

	pathRegex   *regexp.Regexp
	urlRegex    *regexp.Regexp
	headerRegex *regexp.Regexp
	bodyRegex   *regexp.Regexp
	pathGlob    glob.Glob
}

// Compile pre-compiles any regex/glob fields this matcher's Kind uses.
// Call once when a rule is loaded; Match assumes compiled fields are
// already populated.
func (m *Matcher) Compile() error {
	var err error
	switch m.Kind {
	case MatcherPathRegex:
		m.pathRegex, err = regexp.Compile(m.Path)
	case MatcherURLRegex:
		m.urlRegex, err = regexp.Compile(m.URL)
	case MatcherHeaderMatches:
		m.headerRegex, err = regexp.Compile(m.Value)
	case MatcherBodyMatchesRegex, MatcherRawBodyRegex:
		m.bodyRegex, err = regexp.Compile(m.Value)
	case MatcherHost:
		if strings.ContainsAny(m.Host, "*?[") {
			m.pathGlob, err = glob.Compile(strings.ToLower(m.Host))
		}
	}
	if err != nil {
		return fmt.Errorf("rules: compiling matcher %s: %w", m.Kind, err)
	}
	return nil
}

// Match evaluates m against req. A false return is an ordinary
// match-miss; a non-nil error is a hard failure (spec.md: "a matcher
// raising an exception ... aborts matching and returns HTTP 500 tagged
// rule-matcher-error").
func (m *Matcher) Match(req *httpwire.Request) (bool, error) {
	switch m.Kind {
	case MatcherMethod:
		return strings.EqualFold(req.Method, m.Method), nil
	case MatcherHost:
		if m.pathGlob != nil {
			return m.pathGlob.Match(strings.ToLower(req.RawHeaders.Get("host"))), nil
		}
		return strings.EqualFold(req.RawHeaders.Get("host"), m.Host), nil
	case MatcherHostname:
		return strings.EqualFold(req.Destination.Hostname, m.Hostname), nil
	case MatcherPort:
		return req.Destination.Port == m.Port, nil
	case MatcherProtocol:
		return strings.EqualFold(req.Protocol, m.Protocol), nil

	case MatcherPathExact:
		return req.Path == m.Path, nil
	case MatcherPathRegex:
		return m.pathRegex.MatchString(req.Path), nil

	case MatcherURLExact:
		return req.URL == m.URL, nil
	case MatcherURLRegex:
		return m.urlRegex.MatchString(req.URL), nil

	case MatcherQueryExact:
		return matchQueryExact(req, m.Query), nil
	case MatcherQueryIncludes:
		return matchQueryIncludes(req, m.Query), nil

	case MatcherHeaderIncludes:
		for _, v := range req.RawHeaders.Values(m.Header) {
			if strings.Contains(v, m.Value) {
				return true, nil
			}
		}
		return false, nil
	case MatcherHeaderMatches:
		for _, v := range req.RawHeaders.Values(m.Header) {
			if m.headerRegex.MatchString(v) {
				return true, nil
			}
		}
		return false, nil

	case MatcherBodyIncludes:
		body, err := bodyText(req)
		if err != nil {
			return false, err
		}
		return strings.Contains(body, m.Value), nil
	case MatcherBodyMatchesRegex:
		body, err := bodyText(req)
		if err != nil {
			return false, err
		}
		return m.bodyRegex.MatchString(body), nil
	case MatcherRawBodyRegex:
		raw, err := req.Body.Raw()
		if err != nil {
			return false, relayerr.Wrap(relayerr.RuleMatcherError, "reading raw body", err)
		}
		return m.bodyRegex.Match(raw), nil

	case MatcherJSONBodyExact:
		return matchJSONExact(req, m.JSON)
	case MatcherJSONBodyIncludes:
		return matchJSONIncludes(req, m.JSON)

	case MatcherFormIncludes:
		return matchFormIncludes(req, m.Form), nil

	case MatcherCookie:
		return matchCookie(req, m.Cookie, m.CookieValue), nil

	case MatcherCallback:
		ok, err := m.Callback(req)
		if err != nil {
			return false, relayerr.Wrap(relayerr.RuleMatcherError, "callback matcher", err)
		}
		return ok, nil

	case MatcherMultipartIncludes:
		return matchMultipartIncludes(req, m.Form), nil

	default:
		return false, relayerr.New(relayerr.RuleMatcherError, fmt.Sprintf("unknown matcher kind %q", m.Kind))
	}
}

func bodyText(req *httpwire.Request) (string, error) {
	decoded, err := req.Body.Decoded()
	if err != nil {
		return "", relayerr.Wrap(relayerr.RuleMatcherError, "decoding body for match", err)
	}
	return string(decoded), nil
}

func matchQueryExact(req *httpwire.Request, want map[string]string) bool {
	u, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	got := u.Query()
	if len(got) != len(want) {
		return false
	}
	for k, v := range want {
		if got.Get(k) != v {
			return false
		}
	}
	return true
}

func matchQueryIncludes(req *httpwire.Request, want map[string]string) bool {
	u, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	got := u.Query()
	for k, v := range want {
		if got.Get(k) != v {
			return false
		}
	}
	return true
}

func matchJSONExact(req *httpwire.Request, want any) (bool, error) {
	got, err := decodeJSONBody(req)
	if err != nil {
		return false, err
	}
	gotCanon, _ := json.Marshal(got)
	wantCanon, _ := json.Marshal(want)
	return string(gotCanon) == string(wantCanon), nil
}

func matchJSONIncludes(req *httpwire.Request, want any) (bool, error) {
	got, err := decodeJSONBody(req)
	if err != nil {
		return false, err
	}
	return jsonIncludes(got, want), nil
}

func decodeJSONBody(req *httpwire.Request) (any, error) {
	decoded, err := req.Body.Decoded()
	if err != nil {
		return nil, relayerr.Wrap(relayerr.RuleMatcherError, "decoding body for json match", err)
	}
	var v any
	if err := json.Unmarshal(decoded, &v); err != nil {
		return nil, relayerr.Wrap(relayerr.RuleMatcherError, "parsing json body", err)
	}
	return v, nil
}

// jsonIncludes reports whether want is a structural subset of got:
// objects compare key-by-key (only want's keys must be present and
// matching), arrays compare as "every element of want appears in got",
// and scalars compare by equality.
func jsonIncludes(got, want any) bool {
	switch w := want.(type) {
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok {
			return false
		}
		for k, wv := range w {
			gv, ok := g[k]
			if !ok || !jsonIncludes(gv, wv) {
				return false
			}
		}
		return true
	case []any:
		g, ok := got.([]any)
		if !ok {
			return false
		}
		for _, wv := range w {
			found := false
			for _, gv := range g {
				if jsonIncludes(gv, wv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return got == want
	}
}

func matchFormIncludes(req *httpwire.Request, want map[string]string) bool {
	decoded, err := req.Body.Decoded()
	if err != nil {
		return false
	}
	values, err := url.ParseQuery(string(decoded))
	if err != nil {
		return false
	}
	for k, v := range want {
		if values.Get(k) != v {
			return false
		}
	}
	return true
}

func matchMultipartIncludes(req *httpwire.Request, want map[string]string) bool {
	contentType := req.RawHeaders.Get("content-type")
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	boundary := params["boundary"]
	if boundary == "" {
		return false
	}
	decoded, err := req.Body.Decoded()
	if err != nil {
		return false
	}
	reader := multipart.NewReader(strings.NewReader(string(decoded)), boundary)
	got := make(map[string]string)
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		buf := make([]byte, 1<<16)
		n, _ := part.Read(buf)
		got[part.FormName()] = string(buf[:n])
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func matchCookie(req *httpwire.Request, name, want string) bool {
	for _, cookieHeader := range req.RawHeaders.Values("cookie") {
		for _, pair := range strings.Split(cookieHeader, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && k == name && v == want {
				return true
			}
		}
	}
	return false
}

// exampleSummary renders the value this matcher checks against, for the
// 503 diagnostic body's "example matchers" listing (spec.md §4.3 item 3).
func (m *Matcher) exampleSummary() string {
	switch m.Kind {
	case MatcherMethod:
		return m.Method
	case MatcherHost:
		return m.Host
	case MatcherHostname:
		return m.Hostname
	case MatcherPort:
		return fmt.Sprintf("%d", m.Port)
	case MatcherProtocol:
		return m.Protocol
	case MatcherPathExact, MatcherPathRegex:
		return m.Path
	case MatcherURLExact, MatcherURLRegex:
		return m.URL
	case MatcherHeaderIncludes, MatcherHeaderMatches:
		return fmt.Sprintf("%s: %s", m.Header, m.Value)
	case MatcherCookie:
		return fmt.Sprintf("%s=%s", m.Cookie, m.CookieValue)
	case MatcherCallback:
		return "(custom predicate)"
	default:
		return ""
	}
}
