package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaymock/relay/internal/httpwire"
)

// LoadFile parses a declarative YAML rule set and returns the Rules it
// describes, with any {paramRef: <key>} placeholder resolved against
// params (spec.md §3's ruleParameters map). This mirrors the teacher's
// rules.yaml seeding its guardrail engine, generalized from tool-call
// guardrails to the matcher/step vocabulary this engine exposes; it
// covers the matcher/step kinds expressible without a Go callback
// (MatcherCallback, StepCallback, and the JSON/form/multipart/raw-body-regex
// body matchers are programmatic-only and have no YAML form here).
func LoadFile(path string, params map[string]any) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: reading %s: %w", path, err)
	}
	return Parse(data, params)
}

// Parse decodes a rule-set YAML document already read into memory.
func Parse(data []byte, params map[string]any) ([]*Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("rules: parsing rule set: %w", err)
	}

	rules := make([]*Rule, 0, len(file.Rules))
	for i, rd := range file.Rules {
		rule, err := rd.build(params)
		if err != nil {
			return nil, fmt.Errorf("rules: rule[%d] %q: %w", i, rd.ID.Literal, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// paramValue is a YAML scalar that may instead be written as
// {paramRef: <key>}, resolved against the session's ruleParameters map
// at load time (spec.md §3).
type paramValue struct {
	Literal  string
	ParamRef string
	isRef    bool
	isSet    bool
}

func (p *paramValue) UnmarshalYAML(value *yaml.Node) error {
	p.isSet = true
	switch value.Kind {
	case yaml.ScalarNode:
		p.Literal = value.Value
		return nil
	case yaml.MappingNode:
		var ref struct {
			ParamRef string `yaml:"paramRef"`
		}
		if err := value.Decode(&ref); err != nil {
			return err
		}
		if ref.ParamRef == "" {
			return fmt.Errorf("expected a {paramRef: <key>} mapping")
		}
		p.ParamRef = ref.ParamRef
		p.isRef = true
		return nil
	default:
		return fmt.Errorf("expected a scalar or {paramRef: <key>}, got %v", value.Kind)
	}
}

func (p paramValue) resolve(params map[string]any) (string, error) {
	if !p.isRef {
		return p.Literal, nil
	}
	v, ok := params[p.ParamRef]
	if !ok {
		return "", fmt.Errorf("unknown rule parameter %q", p.ParamRef)
	}
	return fmt.Sprint(v), nil
}

// ruleFile is the YAML envelope a rule-set document carries.
type ruleFile struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	ID            paramValue       `yaml:"id"`
	Priority      int              `yaml:"priority"`
	RecordTraffic bool             `yaml:"recordTraffic"`
	RingCapacity  int              `yaml:"ringCapacity"`
	Completion    *completionDoc   `yaml:"completion"`
	Matchers      []matcherDoc     `yaml:"matchers"`
	Steps         []stepDoc        `yaml:"steps"`
}

type completionDoc struct {
	Kind  CompletionKind `yaml:"kind"`
	Times int            `yaml:"times"`
}

func (r ruleDoc) build(params map[string]any) (*Rule, error) {
	id, err := r.ID.resolve(params)
	if err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}

	matchers := make([]*Matcher, 0, len(r.Matchers))
	for i, md := range r.Matchers {
		m, err := md.build(params)
		if err != nil {
			return nil, fmt.Errorf("matchers[%d]: %w", i, err)
		}
		matchers = append(matchers, m)
	}

	steps := make([]*Step, 0, len(r.Steps))
	for i, sd := range r.Steps {
		st, err := sd.build(params)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		steps = append(steps, st)
	}

	var checker *CompletionChecker
	if r.Completion != nil {
		checker = NewCompletionChecker(r.Completion.Kind, r.Completion.Times)
	}

	return NewRule(id, r.Priority, matchers, checker, steps, r.RecordTraffic, r.RingCapacity)
}

// matcherDoc is the declarative form of a Matcher, tagged by Kind the
// same way the in-memory type is.
type matcherDoc struct {
	Kind MatcherKind `yaml:"kind"`

	Method   paramValue `yaml:"method"`
	Host     paramValue `yaml:"host"`
	Hostname paramValue `yaml:"hostname"`
	Port     int        `yaml:"port"`
	Protocol paramValue `yaml:"protocol"`

	Path paramValue `yaml:"path"`
	URL  paramValue `yaml:"url"`

	Query map[string]string `yaml:"query"`

	Header paramValue `yaml:"header"`
	Value  paramValue `yaml:"value"`

	Cookie      paramValue `yaml:"cookie"`
	CookieValue paramValue `yaml:"cookieValue"`
}

func (m matcherDoc) build(params map[string]any) (*Matcher, error) {
	method, err := m.Method.resolve(params)
	if err != nil {
		return nil, err
	}
	host, err := m.Host.resolve(params)
	if err != nil {
		return nil, err
	}
	hostname, err := m.Hostname.resolve(params)
	if err != nil {
		return nil, err
	}
	protocol, err := m.Protocol.resolve(params)
	if err != nil {
		return nil, err
	}
	path, err := m.Path.resolve(params)
	if err != nil {
		return nil, err
	}
	u, err := m.URL.resolve(params)
	if err != nil {
		return nil, err
	}
	header, err := m.Header.resolve(params)
	if err != nil {
		return nil, err
	}
	value, err := m.Value.resolve(params)
	if err != nil {
		return nil, err
	}
	cookie, err := m.Cookie.resolve(params)
	if err != nil {
		return nil, err
	}
	cookieValue, err := m.CookieValue.resolve(params)
	if err != nil {
		return nil, err
	}

	switch m.Kind {
	case MatcherMethod, MatcherHost, MatcherHostname, MatcherPort, MatcherProtocol,
		MatcherPathExact, MatcherPathRegex, MatcherURLExact, MatcherURLRegex,
		MatcherQueryExact, MatcherQueryIncludes,
		MatcherHeaderIncludes, MatcherHeaderMatches,
		MatcherBodyIncludes, MatcherBodyMatchesRegex,
		MatcherCookie:
	default:
		return nil, fmt.Errorf("matcher kind %q is not loadable from a declarative rule set (needs a Go callback)", m.Kind)
	}

	return &Matcher{
		Kind:        m.Kind,
		Method:      method,
		Host:        host,
		Hostname:    hostname,
		Port:        m.Port,
		Protocol:    protocol,
		Path:        path,
		URL:         u,
		Query:       m.Query,
		Header:      header,
		Value:       value,
		Cookie:      cookie,
		CookieValue: cookieValue,
	}, nil
}

// stepDoc is the declarative form of a Step.
type stepDoc struct {
	Kind StepKind `yaml:"kind"`

	Reply *replyDoc `yaml:"reply"`

	Stream *struct {
		StatusCode int               `yaml:"statusCode"`
		Headers    map[string]string `yaml:"headers"`
		BodyFile   paramValue        `yaml:"bodyFile"`
	} `yaml:"stream"`

	Forward *struct {
		Target           paramValue `yaml:"target"`
		UpdateHostHeader bool       `yaml:"updateHostHeader"`
	} `yaml:"forward"`

	Passthrough *struct {
		IgnoreHostHTTPSErrors []string `yaml:"ignoreHostHttpsErrors"`
	} `yaml:"passthrough"`

	DelayMS       int        `yaml:"delayMs"`
	WaitForRuleID paramValue `yaml:"waitForRuleId"`

	Reject            *replyDoc `yaml:"reject"`
	CloseBeforeAccept bool      `yaml:"closeBeforeAccept"`
}

type replyDoc struct {
	StatusCode    int               `yaml:"statusCode"`
	StatusMessage string            `yaml:"statusMessage"`
	Headers       map[string]string `yaml:"headers"`
	Body          paramValue        `yaml:"body"`
	BodyFile      paramValue        `yaml:"bodyFile"`
}

func (rd replyDoc) build(params map[string]any) (*ReplyDescriptor, error) {
	body, err := rd.Body.resolve(params)
	if err != nil {
		return nil, err
	}
	bodyBytes := []byte(body)
	if rd.BodyFile.isSet {
		path, err := rd.BodyFile.resolve(params)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading bodyFile %s: %w", path, err)
		}
		bodyBytes = data
	}
	return &ReplyDescriptor{
		StatusCode:    rd.StatusCode,
		StatusMessage: rd.StatusMessage,
		Headers:       headersOf(rd.Headers),
		Body:          bodyBytes,
	}, nil
}

func (s stepDoc) build(params map[string]any) (*Step, error) {
	waitForRuleID, err := s.WaitForRuleID.resolve(params)
	if err != nil {
		return nil, err
	}

	step := &Step{Kind: s.Kind, DelayMS: s.DelayMS, WaitForRuleID: waitForRuleID, CloseBeforeAccept: s.CloseBeforeAccept}

	switch s.Kind {
	case StepReply:
		if s.Reply == nil {
			return nil, fmt.Errorf("reply step needs a reply: block")
		}
		rep, err := s.Reply.build(params)
		if err != nil {
			return nil, err
		}
		step.Reply = rep

	case StepStream:
		if s.Stream == nil {
			return nil, fmt.Errorf("stream step needs a stream: block")
		}
		path, err := s.Stream.BodyFile.resolve(params)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening stream bodyFile %s: %w", path, err)
		}
		step.Stream.StatusCode = s.Stream.StatusCode
		step.Stream.Headers = headersOf(s.Stream.Headers)
		step.Stream.Source = &ReaderStreamSource{R: f}

	case StepForward:
		if s.Forward == nil {
			return nil, fmt.Errorf("forward step needs a forward: block")
		}
		target, err := s.Forward.Target.resolve(params)
		if err != nil {
			return nil, err
		}
		step.Forward = ForwardOptions{Target: target, UpdateHostHeader: s.Forward.UpdateHostHeader}

	case StepPassthrough:
		if s.Passthrough != nil {
			step.Passthrough = PassthroughOptions{IgnoreHostHTTPSErrors: s.Passthrough.IgnoreHostHTTPSErrors}
		}

	case StepReject:
		if s.Reject != nil {
			rej, err := s.Reject.build(params)
			if err != nil {
				return nil, err
			}
			step.Reject = rej
		}

	case StepClose, StepReset, StepTimeout, StepDelay, StepWaitForOtherRule, StepEcho, StepListen:
		// no further fields to resolve

	case StepCallback:
		return nil, fmt.Errorf("a callback step cannot be expressed in a declarative rule set")

	default:
		return nil, fmt.Errorf("unknown step kind %q", s.Kind)
	}

	return step, nil
}

func headersOf(m map[string]string) httpwire.RawHeaders {
	if len(m) == 0 {
		return nil
	}
	h := httpwire.RawHeaders{}
	for k, v := range m {
		h.Add(k, v)
	}
	return h
}
