package httpwire

// Response mirrors Request for the reply half of an exchange (spec.md
// §3): a status line, ordered raw headers plus their lowercased view,
// a deferred body, trailers, and the same Timings/Tags instances the
// originating Request carries so a single exchange's lifecycle reads
// from one place.
type Response struct {
	StatusCode    int
	StatusMessage string
	HTTPVersion   string

	RawHeaders RawHeaders
	Headers    map[string][]string

	Body *Body

	RawTrailers RawHeaders

	Timings *Timings
	Tags    *TagSet
}

// NewResponse builds a Response sharing the originating request's
// Timings and Tags, so a "responseSentTime" mark or a
// "passthrough-error" tag recorded against the response is visible from
// the request's own event record too.
func NewResponse(req *Request) *Response {
	return &Response{
		HTTPVersion: req.HTTPVersion,
		Timings:     req.Timings,
		Tags:        req.Tags,
	}
}

// SyncHeaders rebuilds the lowercased Headers map from RawHeaders.
func (r *Response) SyncHeaders() {
	r.Headers = r.RawHeaders.Map()
}

// Clone returns a shallow copy with independently-mutable RawHeaders.
func (r *Response) Clone() *Response {
	clone := *r
	clone.RawHeaders = r.RawHeaders.Clone()
	clone.Headers = clone.RawHeaders.Map()
	if r.RawTrailers != nil {
		clone.RawTrailers = r.RawTrailers.Clone()
	}
	return &clone
}
