package passthrough

import (
	"bufio"
	"io"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/relaymock/relay/internal/bodycodec"
	"github.com/relaymock/relay/internal/httpwire"
)

// writeRequestOverWire sends req's request line, raw headers (in their
// original order), and body directly over the wire — never through
// net/http, so header order/case survive untouched (see dial.go's
// package doc).
func writeRequestOverWire(w *bufio.Writer, req *httpwire.Request) error {
	target := req.Path
	if target == "" {
		target = "/"
	}
	if u, err := url.Parse(req.URL); err == nil && u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	headers := req.RawHeaders.Clone()
	body, err := req.Body.Raw()
	if err != nil {
		return err
	}
	if headers.Get("Content-Length") == "" && len(body) > 0 {
		headers.Set("Content-Length", strconv.Itoa(len(body)))
	}

	line := httpwire.RequestLine{Method: req.Method, Target: target, HTTPVersion: versionOr(req.HTTPVersion, "1.1")}
	if err := httpwire.WriteRequestHead(w, line, headers); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readResponseFromWire parses a status line, headers, and (capped) body
// off br and builds a Response sharing req's Timings/Tags.
func readResponseFromWire(br *bufio.Reader, req *httpwire.Request, maxBodySize int64) (*httpwire.Response, error) {
	head, err := httpwire.ParseResponseHead(br)
	if err != nil {
		return nil, err
	}

	resp := httpwire.NewResponse(req)
	resp.StatusCode = head.Line.StatusCode
	resp.StatusMessage = head.Line.StatusMessage
	resp.HTTPVersion = head.Line.HTTPVersion
	resp.RawHeaders = head.Headers
	resp.SyncHeaders()

	enc := bodycodec.ParseEncoding(resp.RawHeaders.Get("Content-Encoding"))

	var body []byte
	if clHeader := resp.RawHeaders.Get("Content-Length"); clHeader != "" {
		cl, perr := strconv.ParseInt(clHeader, 10, 64)
		if perr == nil && cl > 0 {
			n := cl
			if n > maxBodySize {
				n = maxBodySize
			}
			body = make([]byte, n)
			if _, err := io.ReadFull(br, body); err != nil {
				return nil, err
			}
			if cl > maxBodySize {
				slog.Warn("passthrough: upstream body exceeds cap, discarding remainder",
					"bodySize", humanize.Bytes(uint64(cl)), "cap", humanize.Bytes(uint64(maxBodySize)))
				if _, err := io.CopyN(io.Discard, br, cl-maxBodySize); err != nil {
					return nil, err
				}
			}
		}
	} else if resp.RawHeaders.Get("Transfer-Encoding") == "chunked" {
		decoded, err := readChunkedBody(br, maxBodySize)
		if err != nil {
			return nil, err
		}
		body = decoded
	}

	resp.Body = httpwire.NewBufferedBody(body, enc, maxBodySize)
	return resp, nil
}

// readChunkedBody decodes a chunked transfer-coded body, capping the
// total bytes retained at maxBodySize (excess chunks are still read off
// the wire so the connection stays in sync, just not kept).
func readChunkedBody(br *bufio.Reader, maxBodySize int64) ([]byte, error) {
	var out []byte
	for {
		sizeLine, err := readChunkSizeLine(br)
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			if _, err := readChunkSizeLine(br); err != nil && err != io.EOF {
				return nil, err
			}
			return out, nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		if int64(len(out)) < maxBodySize {
			remaining := maxBodySize - int64(len(out))
			if remaining > size {
				remaining = size
			}
			out = append(out, chunk[:remaining]...)
		}
		if _, err := br.Discard(2); err != nil { // trailing CRLF
			return nil, err
		}
	}
}

func readChunkSizeLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if i := indexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return line, nil
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func versionOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
