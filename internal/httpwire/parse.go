package httpwire

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// maxHeaderBytes bounds a single request/response head to guard against
// unbounded header smuggling before any rule has a chance to run.
const maxHeaderBytes = 1 << 20

// readLine reads one CRLF- or LF-terminated line from r with the
// terminator stripped, the same tolerant line reader the pack's
// WhileEndless-go-rawhttp client uses against servers that emit bare LF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(line, "\r\n") {
		return line[:len(line)-2], nil
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// RequestLine is the parsed first line of an HTTP/1 request.
type RequestLine struct {
	Method      string
	Target      string
	HTTPVersion string
}

// ParseRequestLine reads and parses the request line from r.
func ParseRequestLine(r *bufio.Reader) (RequestLine, error) {
	line, err := readLine(r)
	if err != nil {
		return RequestLine{}, fmt.Errorf("httpwire: reading request line: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, fmt.Errorf("httpwire: malformed request line %q", line)
	}
	version := strings.TrimPrefix(parts[2], "HTTP/")
	return RequestLine{Method: parts[0], Target: parts[1], HTTPVersion: version}, nil
}

// StatusLine is the parsed first line of an HTTP/1 response.
type StatusLine struct {
	HTTPVersion   string
	StatusCode    int
	StatusMessage string
}

// ParseStatusLine reads and parses the status line from r.
func ParseStatusLine(r *bufio.Reader) (StatusLine, error) {
	line, err := readLine(r)
	if err != nil {
		return StatusLine{}, fmt.Errorf("httpwire: reading status line: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return StatusLine{}, fmt.Errorf("httpwire: malformed status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return StatusLine{}, fmt.Errorf("httpwire: malformed status code in %q: %w", line, err)
	}
	msg := ""
	if len(parts) == 3 {
		msg = parts[2]
	}
	return StatusLine{
		HTTPVersion:   strings.TrimPrefix(parts[0], "HTTP/"),
		StatusCode:    code,
		StatusMessage: msg,
	}, nil
}

// ParseHeaders reads header lines from r up to and including the blank
// line that ends the head, preserving wire order and case in the
// returned RawHeaders. Obsolete line-folded continuations (RFC 7230
// §3.2.4) are appended to the previous value with a single space,
// matching net/http's own folding behaviour.
func ParseHeaders(r *bufio.Reader) (RawHeaders, error) {
	var headers RawHeaders
	total := 0
	lastIdx := -1

	for {
		line, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("httpwire: reading headers: %w", err)
		}
		total += len(line) + 2
		if total > maxHeaderBytes {
			return nil, fmt.Errorf("httpwire: headers exceed %d bytes", maxHeaderBytes)
		}
		if line == "" {
			break
		}

		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && lastIdx >= 0 {
			headers[lastIdx].Value += " " + strings.TrimSpace(line)
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("httpwire: malformed header line %q", line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		headers.Add(name, value)
		lastIdx = len(headers) - 1
	}

	return headers, nil
}

// ParsedRequestHead is the request-line + headers portion of an HTTP/1
// request, before any body has been read.
type ParsedRequestHead struct {
	Line    RequestLine
	Headers RawHeaders
}

// ParseRequestHead reads a full request head (request line + headers)
// from r. The caller is responsible for then constructing a Body from
// whatever remains on r, sized per Content-Length/Transfer-Encoding.
func ParseRequestHead(r *bufio.Reader) (ParsedRequestHead, error) {
	line, err := ParseRequestLine(r)
	if err != nil {
		return ParsedRequestHead{}, err
	}
	headers, err := ParseHeaders(r)
	if err != nil {
		return ParsedRequestHead{}, err
	}
	return ParsedRequestHead{Line: line, Headers: headers}, nil
}

// ParsedResponseHead is the status-line + headers portion of an HTTP/1
// response, before any body has been read.
type ParsedResponseHead struct {
	Line    StatusLine
	Headers RawHeaders
}

// ParseResponseHead reads a full response head from r.
func ParseResponseHead(r *bufio.Reader) (ParsedResponseHead, error) {
	line, err := ParseStatusLine(r)
	if err != nil {
		return ParsedResponseHead{}, err
	}
	headers, err := ParseHeaders(r)
	if err != nil {
		return ParsedResponseHead{}, err
	}
	return ParsedResponseHead{Line: line, Headers: headers}, nil
}

// WriteRequestHead serializes a request line and raw headers back onto
// w in their original order, reproducing the wire bytes modulo
// whitespace folding (spec.md §8's invariant).
func WriteRequestHead(w *bufio.Writer, line RequestLine, headers RawHeaders) error {
	if _, err := fmt.Fprintf(w, "%s %s HTTP/%s\r\n", line.Method, line.Target, line.HTTPVersion); err != nil {
		return err
	}
	return writeHeaders(w, headers)
}

// WriteResponseHead serializes a status line and raw headers back onto w.
func WriteResponseHead(w *bufio.Writer, line StatusLine, headers RawHeaders) error {
	if _, err := fmt.Fprintf(w, "HTTP/%s %d %s\r\n", line.HTTPVersion, line.StatusCode, line.StatusMessage); err != nil {
		return err
	}
	return writeHeaders(w, headers)
}

func writeHeaders(w *bufio.Writer, headers RawHeaders) error {
	for _, p := range headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", p.Name, p.Value); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}
