package nitra

import (
	"errors"
	"io"
)

// ErrWouldBlock signals that a non-blocking socket operation has no data or
// buffer space available right now. It is not a failure: callers treat it as
// a request to wait for the next readiness event.
var ErrWouldBlock = errors.New("nitra: operation would block on IO")

// ErrPlatformUnsupported is returned by newNotifier on platforms for which
// this module has no readiness-multiplexer backend.
var ErrPlatformUnsupported = errors.New("nitra: readiness notifier not implemented for this platform")

// ErrPoolStopped resolves the futures of work still pending when the worker
// pool is stopped; that work never runs. (Post on an already stopped pool
// returns a nil future instead.)
var ErrPoolStopped = errors.New("nitra: worker pool stopped")

// ErrAcceptorRunning is returned by Acceptor.Start when the acceptor is
// already running. ErrAcceptorNotRunning is not returned by any function in
// this package: Acceptor.Stop on a stopped acceptor is a no-op.
var (
	ErrAcceptorRunning    = errors.New("nitra: acceptor already running")
	ErrAcceptorNotRunning = errors.New("nitra: acceptor not running")
)

// ErrOrchestratorRunning and ErrOrchestratorNotRunning are not returned by
// any function in this package: Orchestrator.Start has no error result and
// Orchestrator.Stop is idempotent.
var (
	ErrOrchestratorRunning    = errors.New("nitra: orchestrator already running")
	ErrOrchestratorNotRunning = errors.New("nitra: orchestrator not running")
)

// ErrChunkTooLarge is returned when a chunked response body attempts to write
// a chunk whose hex-encoded size header would not fit the reserved 16 bytes
// (i.e. a chunk of 2^60 bytes or larger).
var ErrChunkTooLarge = errors.New("nitra: chunk size exceeds 16-byte header reservation")

// ErrStreamBodyNotCacheable is returned by Response.Cache when the response's
// body is backed by a stream rather than an owned byte slice.
var ErrStreamBodyNotCacheable = errors.New("nitra: a stream-backed response body cannot be cached")

// ErrChunkedRequestBody is the protocol error raised when a request declares
// a chunked transfer encoding; request-body chunked decoding is unsupported,
// and the channel responds with 500 Internal Server Error.
var ErrChunkedRequestBody = errors.New("nitra: chunked request bodies are not supported")

// ErrMalformedRequest is the protocol error raised when a request line or
// header field cannot be parsed; the channel responds with 500 Internal
// Server Error.
var ErrMalformedRequest = errors.New("nitra: malformed request")

// ErrHeaderTooLarge is the protocol error raised when a request's header
// section does not terminate within the fixed header buffer; the channel
// responds with 500 Internal Server Error.
var ErrHeaderTooLarge = errors.New("nitra: request header exceeds buffer capacity")

// errorKind classifies an error for logging and for deciding whether a
// channel fault is recoverable. See spec section "Error Handling Design".
type errorKind int

const (
	kindTransientSystem errorKind = iota
	kindFatalSystem
	kindProtocol
	kindUserProcessor
	kindInactivity
	kindPeerClosed
)

func (k errorKind) String() string {
	switch k {
	case kindTransientSystem:
		return "transient-system"
	case kindFatalSystem:
		return "fatal-system"
	case kindProtocol:
		return "protocol"
	case kindUserProcessor:
		return "user-processor"
	case kindInactivity:
		return "inactivity"
	case kindPeerClosed:
		return "peer-closed"
	default:
		return "unknown"
	}
}

// classifyError maps an error surfacing from Channel.Advance to the kind of
// fault it represents, so logging and the protocol-error-vs-close decision
// in onRead share one place of truth.
func classifyError(err error) errorKind {
	switch {
	case errors.Is(err, ErrMalformedRequest),
		errors.Is(err, ErrHeaderTooLarge),
		errors.Is(err, ErrChunkedRequestBody):
		return kindProtocol
	case errors.Is(err, errUserProcessorPanic):
		return kindUserProcessor
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return kindPeerClosed
	default:
		return kindFatalSystem
	}
}

// isProtocolError reports whether err is one onRead/onProcess can recover
// from by sending a response (500 or similar) rather than closing silently.
func isProtocolError(err error) bool {
	return classifyError(err) == kindProtocol
}
