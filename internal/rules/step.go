package rules

import (
	"io"
	"time"

	"github.com/relaymock/relay/internal/httpwire"
)

// StepKind identifies a Step's tagged variant (spec.md §4.4).
type StepKind string

const (
	StepReply             StepKind = "reply"
	StepStream            StepKind = "stream"
	StepCallback          StepKind = "callback"
	StepClose             StepKind = "close"
	StepReset             StepKind = "reset"
	StepTimeout           StepKind = "timeout"
	StepForward           StepKind = "forward"
	StepPassthrough       StepKind = "passthrough"
	StepDelay             StepKind = "delay"
	StepWaitForOtherRule  StepKind = "wait-for-other-rule"

	// WebSocket-only terminal kinds (spec.md §4.6). StepClose, StepTimeout,
	// StepForward and StepPassthrough are shared with the HTTP pipeline.
	StepEcho   StepKind = "echo"
	StepListen StepKind = "listen"
	StepReject StepKind = "reject"
)

// IsTerminal reports whether a step of this kind commits the response
// and ends the pipeline, vs. a non-terminal step that mutates in-flight
// state and falls through to the next step.
func (k StepKind) IsTerminal() bool {
	switch k {
	case StepDelay, StepWaitForOtherRule:
		return false
	default:
		return true
	}
}

// CallbackStepFunc is a caller-supplied step handler. Its result is one
// of: a *ReplyDescriptor, the sentinel strings "close"/"reset", or a
// *RequestMutation for inter-step chaining (spec.md §4.4).
type CallbackStepFunc func(req *httpwire.Request) (CallbackResult, error)

// CallbackResult is whatever a callback step returned, exactly one field
// populated.
type CallbackResult struct {
	Reply    *ReplyDescriptor
	Sentinel string // "close" | "reset" | ""
	Mutation *RequestMutation
}

// ReplyDescriptor is the static response a reply/stream/callback step
// commits to the client.
type ReplyDescriptor struct {
	StatusCode    int
	StatusMessage string
	Headers       httpwire.RawHeaders
	Body          []byte
	Trailers      httpwire.RawHeaders
}

// StreamSource lazily produces body chunks for a stream step. A nil,nil
// return signals end of stream.
type StreamSource interface {
	Next() ([]byte, error)
}

// ReaderStreamSource adapts an io.Reader into a StreamSource, chunked at
// a fixed size — used for forward/passthrough bodies and file-backed
// stream steps alike.
type ReaderStreamSource struct {
	R         io.Reader
	ChunkSize int
}

func (s *ReaderStreamSource) Next() ([]byte, error) {
	size := s.ChunkSize
	if size <= 0 {
		size = 32 * 1024
	}
	buf := make([]byte, size)
	n, err := s.R.Read(buf)
	if n == 0 && err == io.EOF {
		return nil, nil
	}
	if n == 0 && err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// RequestMutation describes in-flight changes a non-terminal step (or a
// callback step returning a mutation) applies to the request before the
// pipeline continues.
type RequestMutation struct {
	Method         string
	URL            string
	ReplaceHeaders httpwire.RawHeaders
	UpdateHeaders  httpwire.RawHeaders // merged in; a header present with empty Value removes it
	Body           []byte
}

// ForwardOptions configures a forward step's dispatch.
type ForwardOptions struct {
	Target          string // host[:port]
	UpdateHostHeader bool
	PassthroughOptions
}

// PassthroughOptions configures a passthrough (or forward) step's
// dispatch through internal/passthrough (spec.md §4.5).
type PassthroughOptions struct {
	IgnoreHostHTTPSErrors []string
	TrustAdditionalCAs    [][]byte
	ClientCertificateHostMap map[string]ClientCertificate
	LookupOptions            LookupOptions
	ProxyConfig              ProxyConfig
	TransformRequest         *Transform
	TransformResponse        *Transform
	BeforeRequest            BeforeRequestFunc
	BeforeResponse           BeforeResponseFunc
}

// ClientCertificate is a client cert/key pair presented for mTLS to a
// specific upstream host.
type ClientCertificate struct {
	CertPEM []byte
	KeyPEM  []byte
}

// LookupOptions configures DNS resolution overrides for passthrough.
type LookupOptions struct {
	Servers  []string
	Fallback bool
	Timeout  time.Duration
}

// ProxyConfig configures dispatch through an upstream forward proxy.
type ProxyConfig struct {
	ProxyURL    string
	NoProxy     []string
	TrustedCAs  [][]byte
}

// Transform is the declarative request/response transform spec.md §4.5
// describes: ReplaceMethod/ReplaceHeaders act as full replacements,
// UpdateHeaders/UpdateJSONBody merge (a present key mapped to nil
// removes it), and the Replace* body fields are mutually exclusive —
// the first non-nil one wins in the order listed.
type Transform struct {
	ReplaceMethod  string
	UpdateHeaders  httpwire.RawHeaders
	ReplaceHeaders httpwire.RawHeaders

	ReplaceBody             []byte
	ReplaceBodyFromFile     string
	UpdateJSONBody          map[string]any
	ReplaceBodyDecodedFromFile string
}

// BeforeRequestFunc is the imperative passthrough hook. Its result is
// one of: nil (pass the request through unmodified), *RequestMutation,
// *ReplyDescriptor (an injected response that skips upstream dispatch
// entirely), or the sentinel "close"/"reset".
type BeforeRequestFunc func(req *httpwire.Request) (*RequestMutation, *ReplyDescriptor, string, error)

// BeforeResponseFunc is the imperative passthrough hook for the
// response leg; same result shape, applied to a Response.
type BeforeResponseFunc func(resp *httpwire.Response) (*ResponseMutation, string, error)

// ResponseMutation mirrors RequestMutation for the response leg.
type ResponseMutation struct {
	StatusCode     int
	ReplaceHeaders httpwire.RawHeaders
	UpdateHeaders  httpwire.RawHeaders
	Body           []byte
}

// Step is one entry in a Rule's step pipeline.
type Step struct {
	Kind StepKind

	Reply    *ReplyDescriptor
	Stream   struct {
		StatusCode int
		Headers    httpwire.RawHeaders
		Source     StreamSource
	}
	Callback CallbackStepFunc
	Forward  ForwardOptions
	Passthrough PassthroughOptions
	DelayMS  int
	WaitForRuleID string

	// Reject is the response a StepReject step sends instead of
	// completing the WebSocket handshake with a 101.
	Reject *ReplyDescriptor

	// CloseBeforeAccept, for a WebSocket StepClose, closes the raw
	// socket before the 101 handshake completes rather than after
	// (spec.md §4.6: "raw socket FIN after accept (or before, per flag)").
	CloseBeforeAccept bool
}
