package nitra

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nitra-http/nitra/internal/wirefmt"
)

// TransferMode selects how a Response's body reaches the wire.
type TransferMode int

const (
	// Normal sends a Content-Length header followed by exactly that many
	// body bytes.
	Normal TransferMode = iota
	// Chunked sends Transfer-Encoding: chunked and emits the body as a
	// series of <hex-size>\r\n<bytes>\r\n chunks, terminated by 0\r\n\r\n.
	Chunked
)

// chunkHeaderReservation is the fixed byte budget always carved out of a
// flush quota before attempting to start a new chunk. The heuristic is only
// correct for chunks under 2^60 bytes; flushChunked rejects anything larger
// with ErrChunkTooLarge rather than silently truncating the size header.
const chunkHeaderReservation = 16

// Stream supplies a chunked response body one chunk at a time. Next returns
// ok=false exactly once, at end of stream; the channel sends the
// terminating empty chunk as soon as that happens, checked only at a new
// chunk boundary (resolved Open Question: "send immediately", grounded on
// original_source/src/Response.cc's FlushStream).
type Stream interface {
	Next() (data []byte, ok bool, err error)
}

// field is a single response header field, kept as an ordered pair so
// Prepare renders them in insertion order like the source does.
type field struct {
	name  string
	value string
}

// Response is the per-request response state: status, fields, and body,
// either as an owned byte slice (Normal mode) or a Stream (Chunked mode).
type Response struct {
	status    int
	keepAlive bool
	fields    []field

	mode TransferMode
	body []byte
	src  Stream

	headerBytes []byte
	headerCur   int

	bodyCur int

	currentChunk []byte
	chunkCur     int
	chunkEnded   bool
}

// NewResponse creates a response with the given status code, defaulting to
// keep-alive.
func NewResponse(status int) *Response {
	return &Response{status: status, keepAlive: true}
}

// SetField appends a response header field.
func (r *Response) SetField(name, value string) {
	r.fields = append(r.fields, field{name: name, value: value})
}

// SetCookie appends a Set-Cookie field.
func (r *Response) SetCookie(name, value string, opts wirefmt.CookieOptions) {
	r.SetField("Set-Cookie", wirefmt.SetCookie(name, value, opts))
}

// SetKeepAlive controls whether the channel reuses the connection for a
// subsequent request after this response completes.
func (r *Response) SetKeepAlive(keepAlive bool) { r.keepAlive = keepAlive }

// KeepAlive reports the current keep-alive setting.
func (r *Response) KeepAlive() bool { return r.keepAlive }

// Status returns the response's status code.
func (r *Response) Status() int { return r.status }

// SetBody sets an owned byte-slice body and switches to Normal mode.
func (r *Response) SetBody(body []byte) {
	r.mode = Normal
	r.body = body
	r.src = nil
}

// SetBodyStream sets a Stream-backed body and switches to Chunked mode.
func (r *Response) SetBodyStream(s Stream) {
	r.mode = Chunked
	r.src = s
	r.body = nil
}

// Cache binds a handle to this response's live state rather than
// snapshotting it: further mutation of r is visible through the returned
// handle too. This is the resolved Open Question on Response::Cache's
// semantics. Stream-backed bodies cannot be cached, since a Stream cannot
// be safely replayed.
func (r *Response) Cache() (*Response, error) {
	if r.src != nil {
		return nil, ErrStreamBodyNotCacheable
	}
	return r, nil
}

// Replay resets the write cursors so a previously flushed (or cached)
// Response can be flushed again from the start, without re-running Prepare.
func (r *Response) Replay() {
	r.headerCur = 0
	r.bodyCur = 0
	r.currentChunk = nil
	r.chunkCur = 0
	r.chunkEnded = false
}

// Prepare renders the status line, fields, and (in Normal mode) the
// Content-Length field, followed by the blank line terminating the header.
// It must be called exactly once before the first Flush.
func (r *Response) Prepare() {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.status, wirefmt.ReasonPhrase(r.status))

	if r.mode == Normal {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.body))
	} else {
		b.WriteString("Transfer-Encoding: chunked\r\n")
	}

	for _, f := range r.fields {
		fmt.Fprintf(&b, "%s: %s\r\n", f.name, f.value)
	}
	b.WriteString("\r\n")

	r.headerBytes = []byte(b.String())
}

// writeFrom writes as much of data[cur:] as fits within budget to stream,
// returning the number of bytes written and the new cursor. ErrWouldBlock
// is returned verbatim so the caller can distinguish "socket drained" from
// other failures; budget exhaustion is not an error.
func writeFrom(stream *socketStream, data []byte, cur, budget int) (n int, newCur int, err error) {
	if budget <= 0 || cur >= len(data) {
		return 0, cur, nil
	}
	end := cur + budget
	if end > len(data) {
		end = len(data)
	}
	n, err = stream.Write(data[cur:end])
	return n, cur + n, err
}

// Flush writes as much of the response to stream as the socket accepts, with
// no quota bound. complete reports whether the entire response (header and
// body) has now been written.
func (r *Response) Flush(stream *socketStream) (complete bool, written int, err error) {
	return r.flush(stream, 1<<31-1)
}

// FlushN is Flush bounded to at most maxWrite bytes, the throttle-gated
// quota for this call.
func (r *Response) FlushN(stream *socketStream, maxWrite int) (complete bool, written int, err error) {
	return r.flush(stream, maxWrite)
}

func (r *Response) flush(stream *socketStream, maxWrite int) (complete bool, written int, err error) {
	budget := maxWrite

	if r.headerCur < len(r.headerBytes) {
		n, cur, werr := writeFrom(stream, r.headerBytes, r.headerCur, budget)
		written += n
		budget -= n
		r.headerCur = cur
		if werr != nil {
			return false, written, werr
		}
		if r.headerCur < len(r.headerBytes) {
			return false, written, nil
		}
	}

	if r.mode == Normal {
		n, cur, werr := writeFrom(stream, r.body, r.bodyCur, budget)
		written += n
		r.bodyCur = cur
		if werr != nil {
			return false, written, werr
		}
		return r.bodyCur >= len(r.body), written, nil
	}

	return r.flushChunked(stream, budget, written)
}

func (r *Response) flushChunked(stream *socketStream, budget, written int) (bool, int, error) {
	for {
		if len(r.currentChunk) == 0 && !r.chunkEnded {
			if budget < chunkHeaderReservation {
				// cannot safely start a new chunk header in the remaining
				// quota; report incomplete, not an error.
				return false, written, nil
			}
			data, ok, serr := r.src.Next()
			if serr != nil {
				return false, written, serr
			}
			if !ok {
				r.currentChunk = []byte("0\r\n\r\n")
				r.chunkEnded = true
			} else {
				if len(data) >= 1<<60 {
					return false, written, ErrChunkTooLarge
				}
				header := strconv.FormatInt(int64(len(data)), 16) + "\r\n"
				chunk := make([]byte, 0, len(header)+len(data)+2)
				chunk = append(chunk, header...)
				chunk = append(chunk, data...)
				chunk = append(chunk, '\r', '\n')
				r.currentChunk = chunk
			}
			r.chunkCur = 0
			stream.SetCork(true)
		}

		n, cur, werr := writeFrom(stream, r.currentChunk, r.chunkCur, budget)
		written += n
		budget -= n
		r.chunkCur = cur

		if werr != nil {
			return false, written, werr
		}

		if r.chunkCur < len(r.currentChunk) {
			return false, written, nil
		}

		stream.SetCork(false)
		done := r.chunkEnded
		r.currentChunk = nil
		r.chunkCur = 0
		if done {
			return true, written, nil
		}
		if budget <= 0 {
			return false, written, nil
		}
	}
}
