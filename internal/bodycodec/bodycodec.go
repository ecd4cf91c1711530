// Package bodycodec decodes and re-encodes HTTP bodies for the content
// encodings the engine needs to see through: gzip, deflate, brotli, and
// zstd. Encoders are pooled with sync.Pool, the same shape the pack's
// odac-run-odac reverse proxy uses for its own gzip/brotli/zstd pools,
// to keep repeated rule-hook invocations (json-body-*, updateJsonBody)
// cheap.
package bodycodec

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Encoding identifies a Content-Encoding value this package understands.
type Encoding string

const (
	Identity Encoding = ""
	Gzip     Encoding = "gzip"
	Deflate  Encoding = "deflate"
	Brotli   Encoding = "br"
	Zstd     Encoding = "zstd"
)

// ParseEncoding normalizes a Content-Encoding header value into an
// Encoding. Unknown values map to Identity so callers default to
// passing bytes through untouched rather than erroring.
func ParseEncoding(contentEncoding string) Encoding {
	switch Encoding(contentEncoding) {
	case Gzip, Deflate, Brotli, Zstd:
		return Encoding(contentEncoding)
	default:
		return Identity
	}
}

var (
	gzipWriterPool = sync.Pool{
		New: func() any { return gzip.NewWriter(io.Discard) },
	}
	brotliWriterPool = sync.Pool{
		New: func() any { return brotli.NewWriterLevel(io.Discard, 5) },
	}
	zstdEncoderPool = sync.Pool{
		New: func() any {
			w, _ := zstd.NewWriter(io.Discard, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return w
		},
	}
)

// CappedReader reads at most limit bytes from the wrapped reader and
// returns ErrBodyTooLarge on any Read after limit bytes have been read,
// used to enforce maxBodySize at decode time.
type CappedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func NewCappedReader(r io.Reader, limit int64) *CappedReader {
	return &CappedReader{r: r, limit: limit}
}

func (c *CappedReader) Read(p []byte) (int, error) {
	if c.read >= c.limit {
		return 0, ErrBodyTooLarge
	}
	if remain := c.limit - c.read; int64(len(p)) > remain {
		p = p[:remain]
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	return n, err
}

// ErrBodyTooLarge is returned by CappedReader and Decode when a body
// exceeds the configured size cap.
var ErrBodyTooLarge = fmt.Errorf("bodycodec: body exceeds size cap")

// Decode returns the fully decoded form of raw, which was encoded with
// enc. maxSize bounds the decoded output (for Identity, raw itself; the
// compressed input of other encodings is not checked); exceeding it
// returns ErrBodyTooLarge (the caller, per spec.md's
// maxBodySize boundary behaviour, forwards the original bytes upstream
// unbuffered and records an empty body in its emitted event instead of
// propagating the error to the wire).
func Decode(raw []byte, enc Encoding, maxSize int64) ([]byte, error) {
	switch enc {
	case Identity:
		if int64(len(raw)) > maxSize {
			return nil, ErrBodyTooLarge
		}
		return raw, nil
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("bodycodec: gzip reader: %w", err)
		}
		defer zr.Close()
		return readAllCapped(zr, maxSize)
	case Deflate:
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		return readAllCapped(fr, maxSize)
	case Brotli:
		br := brotli.NewReader(bytes.NewReader(raw))
		return readAllCapped(br, maxSize)
	case Zstd:
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("bodycodec: zstd reader: %w", err)
		}
		defer zr.Close()
		return readAllCapped(zr, maxSize)
	default:
		return nil, fmt.Errorf("bodycodec: unsupported encoding %q", enc)
	}
}

func readAllCapped(r io.Reader, maxSize int64) ([]byte, error) {
	capped := NewCappedReader(r, maxSize+1)
	data, err := io.ReadAll(capped)
	if err != nil {
		if err == ErrBodyTooLarge {
			return nil, ErrBodyTooLarge
		}
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// Encode re-encodes decoded bytes with enc. It is the inverse of Decode:
// Encode(Decode(b, enc), enc) is byte-equal to b for every Encoding this
// package supports (spec.md §8's round-trip invariant), modulo the
// non-determinism inherent to gzip/brotli/zstd's own encoders — tests
// instead assert Decode(Encode(b, enc), enc) == b, the direction that
// matters for transform hooks that must re-wrap a mutated body.
func Encode(decoded []byte, enc Encoding) ([]byte, error) {
	var buf bytes.Buffer
	switch enc {
	case Identity:
		return decoded, nil
	case Gzip:
		zw := gzipWriterPool.Get().(*gzip.Writer)
		defer gzipWriterPool.Put(zw)
		zw.Reset(&buf)
		if _, err := zw.Write(decoded); err != nil {
			return nil, fmt.Errorf("bodycodec: gzip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("bodycodec: gzip close: %w", err)
		}
	case Deflate:
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("bodycodec: deflate writer: %w", err)
		}
		if _, err := fw.Write(decoded); err != nil {
			return nil, fmt.Errorf("bodycodec: deflate write: %w", err)
		}
		if err := fw.Close(); err != nil {
			return nil, fmt.Errorf("bodycodec: deflate close: %w", err)
		}
	case Brotli:
		bw := brotliWriterPool.Get().(*brotli.Writer)
		defer brotliWriterPool.Put(bw)
		bw.Reset(&buf)
		if _, err := bw.Write(decoded); err != nil {
			return nil, fmt.Errorf("bodycodec: brotli write: %w", err)
		}
		if err := bw.Close(); err != nil {
			return nil, fmt.Errorf("bodycodec: brotli close: %w", err)
		}
	case Zstd:
		zw := zstdEncoderPool.Get().(*zstd.Encoder)
		defer zstdEncoderPool.Put(zw)
		zw.Reset(&buf)
		if _, err := zw.Write(decoded); err != nil {
			return nil, fmt.Errorf("bodycodec: zstd write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("bodycodec: zstd close: %w", err)
		}
	default:
		return nil, fmt.Errorf("bodycodec: unsupported encoding %q", enc)
	}
	return buf.Bytes(), nil
}
