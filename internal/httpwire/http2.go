package httpwire

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// http2RequestPseudoOrder is the conventional wire order HTTP/2 clients emit
// request pseudo-headers in (RFC 9113 doesn't mandate an order, but this
// is what net/http2/curl/chrome produce and what the pack's
// WhileEndless-go-rawhttp converter reproduces).
var http2RequestPseudoOrder = []string{":method", ":scheme", ":authority", ":path"}

// DecodeHTTP2RequestHeaders turns a decoded HPACK field block into a
// Request's RawHeaders, translating :method/:scheme/:authority/:path
// into the method/URL/Path/Host fields an HTTP/1-shaped Request expects,
// and dropping any other pseudo-header, so only regular header fields
// land in RawHeaders (spec.md §7's
// HTTP/1<->HTTP/2 pseudoheader translation rules apply at the
// passthrough boundary, not at parse time).
func DecodeHTTP2RequestHeaders(fields []hpack.HeaderField) (method, scheme, authority, path string, headers RawHeaders, err error) {
	for _, f := range fields {
		switch f.Name {
		case ":method":
			method = f.Value
		case ":scheme":
			scheme = f.Value
		case ":authority":
			authority = f.Value
		case ":path":
			path = f.Value
		default:
			if strings.HasPrefix(f.Name, ":") {
				continue
			}
			headers.Add(f.Name, f.Value)
		}
	}
	if method == "" || path == "" {
		return "", "", "", "", nil, fmt.Errorf("httpwire: http2 request missing required pseudo-headers")
	}
	if authority == "" {
		authority = headers.Get("host")
	} else if headers.Get("host") == "" {
		headers.Add("host", authority)
	}
	return method, scheme, authority, path, headers, nil
}

// EncodeHTTP2RequestHeaders produces the HPACK field list for an
// outbound HTTP/2 request built from a Request, in the conventional
// pseudo-header-first order.
func EncodeHTTP2RequestHeaders(req *Request) ([]hpack.HeaderField, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("httpwire: parsing request URL %q: %w", req.URL, err)
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	authority := u.Host
	if authority == "" {
		authority = req.RawHeaders.Get("host")
	}
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	values := map[string]string{
		":method":    req.Method,
		":scheme":    scheme,
		":authority": authority,
		":path":      path,
	}

	fields := make([]hpack.HeaderField, 0, len(req.RawHeaders)+4)
	for _, name := range http2RequestPseudoOrder {
		fields = append(fields, hpack.HeaderField{Name: name, Value: values[name]})
	}
	for _, p := range req.RawHeaders {
		lower := strings.ToLower(p.Name)
		if lower == "host" || isHopByHopHeader(lower) {
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: lower, Value: p.Value})
	}
	return fields, nil
}

// DecodeHTTP2ResponseHeaders turns a decoded HPACK field block into a
// Response's status code and RawHeaders.
func DecodeHTTP2ResponseHeaders(fields []hpack.HeaderField) (statusCode int, headers RawHeaders, err error) {
	for _, f := range fields {
		switch f.Name {
		case ":status":
			statusCode, err = strconv.Atoi(f.Value)
			if err != nil {
				return 0, nil, fmt.Errorf("httpwire: malformed :status %q: %w", f.Value, err)
			}
		default:
			if strings.HasPrefix(f.Name, ":") {
				continue
			}
			headers.Add(f.Name, f.Value)
		}
	}
	if statusCode == 0 {
		return 0, nil, fmt.Errorf("httpwire: http2 response missing :status pseudo-header")
	}
	return statusCode, headers, nil
}

// EncodeHTTP2ResponseHeaders produces the HPACK field list for an
// outbound HTTP/2 response built from a Response.
func EncodeHTTP2ResponseHeaders(resp *Response) []hpack.HeaderField {
	fields := make([]hpack.HeaderField, 0, len(resp.RawHeaders)+1)
	fields = append(fields, hpack.HeaderField{Name: ":status", Value: strconv.Itoa(resp.StatusCode)})
	for _, p := range resp.RawHeaders {
		lower := strings.ToLower(p.Name)
		if isHopByHopHeader(lower) {
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: lower, Value: p.Value})
	}
	return fields
}

// isHopByHopHeader reports whether name (already lowercased) is one of
// the connection-specific headers HTTP/2 forbids in a field block
// (RFC 9113 §8.2.2), the same skip-list the pack's converter applies.
func isHopByHopHeader(lower string) bool {
	switch lower {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return true
	default:
		return false
	}
}
