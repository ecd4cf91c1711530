package steps

import (
	"bufio"
	"context"
	"fmt"
	"strconv"

	"github.com/relaymock/relay/internal/bodycodec"
	"github.com/relaymock/relay/internal/httpwire"
	"github.com/relaymock/relay/internal/rules"
)

// replyToResponse builds a Response from a static ReplyDescriptor,
// sharing the originating request's Timings/Tags.
func replyToResponse(req *httpwire.Request, d *rules.ReplyDescriptor) *httpwire.Response {
	resp := httpwire.NewResponse(req)
	resp.StatusCode = d.StatusCode
	resp.StatusMessage = d.StatusMessage
	if resp.StatusMessage == "" {
		resp.StatusMessage = statusText(d.StatusCode)
	}
	resp.RawHeaders = d.Headers.Clone()
	resp.SyncHeaders()
	resp.RawTrailers = d.Trailers
	resp.Body = httpwire.NewBufferedBody(d.Body, bodycodec.ParseEncoding(resp.RawHeaders.Get("content-encoding")), int64(len(d.Body)))
	return resp
}

func streamToResponse(req *httpwire.Request, statusCode int, headers httpwire.RawHeaders) *httpwire.Response {
	resp := httpwire.NewResponse(req)
	resp.StatusCode = statusCode
	resp.StatusMessage = statusText(statusCode)
	resp.RawHeaders = headers.Clone()
	resp.SyncHeaders()
	return resp
}

// writeFullResponse writes a response whose body is already fully
// materialized: status line, headers (Content-Length computed unless
// already present, preserving supplied case & order otherwise), body,
// trailers (spec.md §4.4's reply step).
func writeFullResponse(w *bufio.Writer, resp *httpwire.Response) error {
	if w == nil {
		return nil
	}
	body, err := resp.Body.Raw()
	if err != nil {
		return fmt.Errorf("steps: reading reply body: %w", err)
	}

	headers := resp.RawHeaders.Clone()
	if headers.Get("content-length") == "" && len(resp.RawTrailers) == 0 {
		headers.Add("Content-Length", strconv.Itoa(len(body)))
	}

	if err := httpwire.WriteResponseHead(w, httpwire.StatusLine{
		HTTPVersion:   versionOr(resp.HTTPVersion, "1.1"),
		StatusCode:    resp.StatusCode,
		StatusMessage: resp.StatusMessage,
	}, headers); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if err := writeTrailers(w, resp.RawTrailers); err != nil {
		return err
	}
	return w.Flush()
}

// writeStreamedResponse writes a chunked-encoding response whose body
// chunks are produced lazily by source, stopping early if ctx is
// cancelled (spec.md §4.4: "cancellation closes the source").
func writeStreamedResponse(ctx context.Context, w *bufio.Writer, resp *httpwire.Response, source rules.StreamSource) error {
	if w == nil {
		return nil
	}
	headers := resp.RawHeaders.Clone()
	headers.Set("Transfer-Encoding", "chunked")
	headers.Del("Content-Length")

	if err := httpwire.WriteResponseHead(w, httpwire.StatusLine{
		HTTPVersion:   versionOr(resp.HTTPVersion, "1.1"),
		StatusCode:    resp.StatusCode,
		StatusMessage: resp.StatusMessage,
	}, headers); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		chunk, err := source.Next()
		if err != nil {
			return err
		}
		if chunk == nil {
			break
		}
		if _, err := fmt.Fprintf(w, "%x\r\n", len(chunk)); err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := w.WriteString("0\r\n\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeTrailers(w *bufio.Writer, trailers httpwire.RawHeaders) error {
	for _, p := range trailers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", p.Name, p.Value); err != nil {
			return err
		}
	}
	return nil
}

func versionOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Status"
	}
}
