package nitra

import (
	"errors"
	"io"

	"github.com/nitra-http/nitra/internal/httpparse"
)

// sourceAdapter bridges a *socketStream's error vocabulary to the
// httpparse.Source contract, translating this package's ErrWouldBlock
// sentinel into the parser package's own.
type sourceAdapter struct {
	stream *socketStream
}

func (a sourceAdapter) Read(p []byte) (int, error) {
	n, err := a.stream.Read(p)
	if errors.Is(err, ErrWouldBlock) {
		return n, httpparse.ErrWouldBlock
	}
	return n, err
}

// Request is the in-progress request a Channel reads into: a thin wrapper
// around the internal parser that also remembers the socket source so
// repeated ConsumeHeader/ConsumeContent calls keep pulling from the same
// connection.
type Request struct {
	parsed *httpparse.Request
	src    sourceAdapter
}

func newRequest(stream *socketStream) *Request {
	return &Request{
		parsed: httpparse.NewRequest(),
		src:    sourceAdapter{stream: stream},
	}
}

// Reset rearms the request for the next pipelined/keep-alive exchange.
func (r *Request) Reset() { r.parsed.Reset() }

// ConsumeHeader reads up to maxRead bytes and advances header parsing.
func (r *Request) ConsumeHeader(maxRead int) (done bool, bytesConsumed int, err error) {
	done, bytesConsumed, err = r.parsed.ConsumeHeader(r.src, maxRead)
	return done, bytesConsumed, translateParseError(err)
}

// ConsumeContent reads up to maxRead more body bytes.
func (r *Request) ConsumeContent(maxRead int) (done bool, bytesConsumed int, err error) {
	done, bytesConsumed, err = r.parsed.ConsumeContent(r.src, maxRead)
	return done, bytesConsumed, translateParseError(err)
}

// translateParseError maps the internal parser's error vocabulary onto this
// package's own sentinels, the same boundary-translation idiom sourceAdapter
// uses for ErrWouldBlock, so callers outside this package only ever see
// nitra-level errors.
func translateParseError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, httpparse.ErrChunkedRequestBody):
		return ErrChunkedRequestBody
	case errors.Is(err, httpparse.ErrHeaderTooLarge):
		return ErrHeaderTooLarge
	case errors.Is(err, httpparse.ErrMalformedRequest):
		return ErrMalformedRequest
	default:
		return err
	}
}

// HasBody reports whether the request declared a body the channel must
// fetch before processing. Chunked request bodies are rejected earlier, in
// ConsumeHeader, with httpparse.ErrChunkedRequestBody.
func (r *Request) HasBody() bool {
	return r.parsed.HasContentLength && r.parsed.ContentLength > 0
}

// BodyReceived reports whether the full declared body has already been
// read into Body().
func (r *Request) BodyReceived() bool {
	if !r.parsed.HasContentLength {
		return true
	}
	return int64(len(r.parsed.Body)) >= r.parsed.ContentLength
}

func (r *Request) Method() string            { return r.parsed.Method }
func (r *Request) URI() string                { return r.parsed.URI }
func (r *Request) Version() string            { return r.parsed.Version }
func (r *Request) Body() []byte               { return r.parsed.Body }
func (r *Request) Cookies() map[string]string { return r.parsed.Cookies }

// Header returns the first value of the named field (case-insensitive).
func (r *Request) Header(name string) (string, bool) { return r.parsed.Header(name) }

// Expect100Continue reports whether the request carried `Expect:
// 100-continue`.
func (r *Request) Expect100Continue() bool { return r.parsed.Expect100Continue }

var _ io.Reader = sourceAdapter{}
