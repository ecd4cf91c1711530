package httpwire

import (
	"io"
	"sync"

	"github.com/relaymock/relay/internal/bodycodec"
)

// Body is a deferred body reader with cached raw and decoded buffers,
// each capped at maxSize (spec.md §3). The raw bytes are exactly what
// was read off the wire (still encoded per Content-Encoding, if any);
// Decoded() lazily runs them through internal/bodycodec the first time
// it is asked for, per spec.md §4.5's "body decoding for the
// programmable hooks" and the json-body-*/updateJsonBody matchers and
// transforms.
type Body struct {
	mu sync.Mutex

	reader io.ReadCloser // unread source; nil once materialized
	maxSize int64

	raw          []byte
	rawRead      bool
	rawTruncated bool

	contentEncoding bodycodec.Encoding
	decoded         []byte
	decodedErr      error
	decodedRead     bool
}

// NewBody wraps a lazy source reader. contentEncoding is the
// Content-Encoding the bytes arrive in (Identity if none/unknown).
func NewBody(r io.ReadCloser, contentEncoding bodycodec.Encoding, maxSize int64) *Body {
	return &Body{reader: r, contentEncoding: contentEncoding, maxSize: maxSize}
}

// NewBufferedBody wraps already-read bytes (e.g. a step's static reply
// body, or a body replayed from a transform).
func NewBufferedBody(raw []byte, contentEncoding bodycodec.Encoding, maxSize int64) *Body {
	b := &Body{contentEncoding: contentEncoding, maxSize: maxSize}
	b.raw = raw
	b.rawRead = true
	if int64(len(raw)) > maxSize {
		b.raw = raw[:maxSize]
		b.rawTruncated = true
	}
	return b
}

// Raw materializes and returns the raw (still wire-encoded) body bytes,
// capped at maxSize. Subsequent calls return the cached buffer.
func (b *Body) Raw() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rawLocked()
}

func (b *Body) rawLocked() ([]byte, error) {
	if b.rawRead {
		return b.raw, nil
	}
	b.rawRead = true
	if b.reader == nil {
		return nil, nil
	}
	defer b.reader.Close()

	capped := bodycodec.NewCappedReader(b.reader, b.maxSize+1)
	data, err := io.ReadAll(capped)
	if err == bodycodec.ErrBodyTooLarge {
		b.rawTruncated = true
		b.raw = data[:b.maxSize]
		return b.raw, nil
	}
	if err != nil {
		return nil, err
	}
	b.raw = data
	return data, nil
}

// Truncated reports whether the raw body was cut off at maxSize —
// spec.md's boundary behaviour for maxBodySize requires the truncated
// flag to suppress json-body-* matching and to record an empty body in
// emitted events rather than the partial bytes.
func (b *Body) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rawTruncated
}

// Decoded materializes and returns the fully decoded body, decoding raw
// bytes per the configured Content-Encoding on first call and caching
// the result. If the raw body was truncated, Decoded refuses to decode
// (returns bodycodec.ErrBodyTooLarge) since the compressed stream is
// incomplete.
func (b *Body) Decoded() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.decodedRead {
		return b.decoded, b.decodedErr
	}
	b.decodedRead = true

	raw, err := b.rawLocked()
	if err != nil {
		b.decodedErr = err
		return nil, err
	}
	if b.rawTruncated {
		b.decodedErr = bodycodec.ErrBodyTooLarge
		return nil, b.decodedErr
	}

	decoded, err := bodycodec.Decode(raw, b.contentEncoding, b.maxSize)
	b.decoded, b.decodedErr = decoded, err
	return decoded, err
}

// ContentEncoding returns the encoding Raw() bytes are wrapped in.
func (b *Body) ContentEncoding() bodycodec.Encoding {
	return b.contentEncoding
}

// MaxSize returns the size cap this body was constructed with.
func (b *Body) MaxSize() int64 {
	return b.maxSize
}

// Len returns the length of the raw body if already materialized, or -1
// if it has not been read yet (the caller should not force a read just
// to measure length — e.g. for Content-Length on a still-streaming body).
func (b *Body) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.rawRead {
		return -1
	}
	return len(b.raw)
}
