package nitra

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Control is a processor's directive for what the channel should do next,
// an explicit sum type replacing the source's exception-driven control flow
// (see SPEC_FULL.md's Design Notes expansion).
type Control int

const (
	// SendResponse means the processor has fully prepared Channel.Response
	// and the channel should flush it to the client.
	SendResponse Control = iota
	// FetchContent means the channel should read (or request via
	// 100-continue) the request body before calling Process again.
	FetchContent
	// RejectContent means the processor declines the request body.
	RejectContent
)

// Processor is user-supplied request-handling code: given the channel (so
// it can inspect Request and populate Response), it returns a directive for
// what happens next.
type Processor func(ch *Channel) Control

func nextChannelID() uint64 {
	return atomic.AddUint64(&channelIDCounter, 1)
}

var channelIDCounter uint64

// Channel is a single accepted connection's read → process → write state
// machine. A Channel method never blocks on socket I/O: insufficient data
// or buffer space surfaces as a WaitReadable/WaitWritable stage transition,
// never a blocking call. Grounded throughout on
// original_source/src/ChannelBase.cc.
type Channel struct {
	id     uint64
	stream *socketStream
	stage  *atomicStage

	req  *Request
	resp *Response

	processor        Processor
	autoFetchContent bool

	dedicatedRead  *Throttler
	dedicatedWrite *Throttler
	masterRead     *Throttler
	masterWrite    *Throttler

	requestedWakeup time.Time

	forceClose      bool
	fetchingContent bool
	writeStart      time.Time

	logger   zerolog.Logger
	profiler *Profiler
}

// ChannelConfig supplies the per-connection collaborators a channel factory
// assembles for each accepted socket.
type ChannelConfig struct {
	Processor      Processor
	DedicatedRead  *Throttler
	DedicatedWrite *Throttler
	MasterRead     *Throttler
	MasterWrite    *Throttler
	Logger         zerolog.Logger
	Profiler       *Profiler
}

// NewChannel wraps conn in a Channel ready for the orchestrator to arm. Any
// nil throttler, dedicated or master, defaults to unlimited; the master
// throttlers are ordinarily supplied and shared server-wide by the
// Orchestrator.
func NewChannel(conn *socketStream, cfg ChannelConfig) *Channel {
	dr, dw := cfg.DedicatedRead, cfg.DedicatedWrite
	if dr == nil {
		dr = NewUnlimitedThrottler()
	}
	if dw == nil {
		dw = NewUnlimitedThrottler()
	}
	mr, mw := cfg.MasterRead, cfg.MasterWrite
	if mr == nil {
		mr = NewUnlimitedThrottler()
	}
	if mw == nil {
		mw = NewUnlimitedThrottler()
	}

	return &Channel{
		id:               nextChannelID(),
		stream:           conn,
		stage:            newAtomicStage(WaitReadable),
		req:              newRequest(conn),
		processor:        cfg.Processor,
		autoFetchContent: true,
		dedicatedRead:    dr,
		dedicatedWrite:   dw,
		masterRead:       mr,
		masterWrite:      mw,
		logger:           cfg.Logger,
		profiler:         cfg.Profiler,
	}
}

// ID returns the channel's monotonic identifier.
func (c *Channel) ID() uint64 { return c.id }

// Fd returns the underlying socket's file descriptor, for notifier
// registration.
func (c *Channel) Fd() int { return c.stream.Fd() }

// Stage returns the channel's current stage. Safe to call from any
// goroutine without holding the task mutex; see atomicStage.
func (c *Channel) Stage() Stage { return c.stage.Load() }

// Request exposes the in-progress (or most recently completed) request.
func (c *Channel) Request() *Request { return c.req }

// Response exposes the in-progress response, or nil before the processor
// has produced one.
func (c *Channel) Response() *Response { return c.resp }

// SetResponse lets the processor install the response it wants sent on
// SendResponse.
func (c *Channel) SetResponse(r *Response) { c.resp = r }

// RequestedTimeout is the deadline the orchestrator must not sleep past
// while this channel is waiting on a throttle refill.
func (c *Channel) RequestedTimeout() time.Time { return c.requestedWakeup }

// IsWaitingForClient reports whether the channel is parked awaiting a
// readiness event rather than throttle refill or processing.
func (c *Channel) IsWaitingForClient() bool {
	s := c.stage.Load()
	return s == WaitReadable || s == WaitWritable
}

// IsReady reports the channel's readiness predicate: now has reached the
// requested wake-up and the stage is not one of the two event-waiting
// stages (Closed channels are also "ready" so garbage collection can run).
func (c *Channel) IsReady(now time.Time) bool {
	if c.stage.Load() == Closed {
		return true
	}
	if c.IsWaitingForClient() {
		return false
	}
	return !now.Before(c.requestedWakeup)
}

// Close idempotently transitions the channel to Closed and releases the
// socket. Safe to call multiple times.
func (c *Channel) Close() {
	if c.stage.Load() == Closed {
		return
	}
	c.stage.Store(Closed)
	c.stream.release()
	c.profiler.Record(EventChannelClosed, "Channel", "channel closed")
}

// HandleEvent applies a readiness-notifier transition: Completion closes the
// channel; otherwise WaitReadable/WaitWritable advance to Read/Write when
// the mask matches what was armed. Returns true if the channel closed as a
// result. Grounded on Orchestrator::HandleChannelEvent.
func (c *Channel) HandleEvent(mask EventMask) (closed bool) {
	if mask&EventCompletion != 0 {
		c.Close()
		return true
	}

	switch c.stage.Load() {
	case WaitReadable:
		if mask&EventReadable != 0 {
			c.stage.Store(Read)
			c.profiler.Record(EventChannelBecameReadable, "Channel", "became readable")
		} else {
			c.logger.Warn().Str("mask", mask.String()).Msg("event mismatch while WaitReadable")
		}
	case WaitWritable:
		if mask&EventWritable != 0 {
			c.stage.Store(Write)
			c.profiler.Record(EventChannelBecameWritable, "Channel", "became writable")
		} else {
			c.logger.Warn().Str("mask", mask.String()).Msg("event mismatch while WaitWritable")
		}
	}
	return false
}

// Advance runs one step of the state machine appropriate to the channel's
// current stage. Any error or panic from deeper in the machine is caught
// here, logged, and closes the channel — the single top-level match called
// for in the Design Notes' "exception-as-control-flow" expansion.
func (c *Channel) Advance() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Debug().Interface("panic", r).Uint64("channel", c.id).Msg("channel advance panicked")
			c.Close()
		}
	}()

	c.profiler.Record(EventChannelActivated, "Channel", "advance")

	var err error
	switch c.stage.Load() {
	case ReadTimeout, Read:
		err = c.onRead()
	case Process:
		err = c.onProcess()
	case WriteTimeout, Write:
		err = c.onWrite()
	case WaitReadable, WaitWritable, Closed:
		// nothing to do; Advance should not ordinarily be invoked while
		// waiting for an event or already closed.
	}

	if err != nil {
		c.logger.Debug().Err(err).Str("kind", classifyError(err).String()).Uint64("channel", c.id).Msg("channel advance error")
		c.Close()
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// maxIOChunk bounds a single Read/Write syscall attempt. A throttle quota
// can report unlimitedQuota (math.MaxUint64), which does not fit in an int
// on any platform; quotaToInt clamps it down to a sane per-call buffer size
// instead, since Consume() only ever subtracts what was actually
// transferred regardless of how large a quota was offered.
const maxIOChunk = 1 << 16

func quotaToInt(q uint64) int {
	if q > maxIOChunk {
		return maxIOChunk
	}
	return int(q)
}

// onRead implements the Read sub-protocol (spec section 4.E).
func (c *Channel) onRead() error {
	maxRead := minU64(c.dedicatedRead.CurrentQuota(), c.masterRead.CurrentQuota())
	minCap := minU64(c.dedicatedRead.Capacity(), c.masterRead.Capacity())

	if maxRead < minCap {
		c.stage.Store(ReadTimeout)
		c.requestedWakeup = maxTime(c.dedicatedRead.FillTime(minCap), c.masterRead.FillTime(minCap))
		c.profiler.Record(EventChannelTimedOutReading, "Channel", "read timed out on throttle")
		return nil
	}

	c.profiler.Record(EventChannelReading, "Channel", "reading")

	budget := quotaToInt(maxRead)

	var done bool
	var consumed int
	var err error
	if c.fetchingContent {
		done, consumed, err = c.req.ConsumeContent(budget)
	} else {
		done, consumed, err = c.req.ConsumeHeader(budget)
	}

	c.dedicatedRead.Consume(uint64(consumed))
	c.masterRead.Consume(uint64(consumed))

	if err != nil {
		if isProtocolError(err) {
			c.logger.Debug().Err(err).Uint64("channel", c.id).Msg("protocol error reading request, sending 500")
			c.sendInternalError()
			return nil
		}
		return err
	}

	if !done {
		if consumed < budget {
			c.stage.Store(WaitReadable)
			c.profiler.Record(EventChannelWaitedReadable, "Channel", "waiting for readability")
		} else {
			c.stage.Store(ReadTimeout)
			c.requestedWakeup = c.dedicatedRead.FillTime(c.dedicatedRead.Capacity())
			c.profiler.Record(EventChannelTimedOutReading, "Channel", "read timed out on throttle")
		}
		return nil
	}

	c.fetchingContent = false
	c.stage.Store(Process)
	return c.onProcess()
}

// onProcess implements the Process sub-protocol (spec section 4.E).
func (c *Channel) onProcess() error {
	var directive Control

	if c.req.HasBody() && !c.req.BodyReceived() && c.autoFetchContent {
		directive = FetchContent
	} else {
		var procErr error
		directive, procErr = c.callProcessor()
		if procErr != nil {
			c.sendInternalError()
			return nil
		}
	}

	return c.handleControlDirective(directive)
}

func (c *Channel) callProcessor() (directive Control, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errUserProcessorPanic, r)
		}
	}()
	if c.processor == nil {
		return SendResponse, nil
	}
	return c.processor(c), nil
}

var errUserProcessorPanic = errors.New("nitra: user processor panicked")

func (c *Channel) sendInternalError() {
	resp := NewResponse(500)
	resp.SetField("Connection", "close")
	resp.SetKeepAlive(false)
	resp.Prepare()
	c.resp = resp
	c.forceClose = true
	c.stage.Store(WaitWritable)
}

func build100ContinueResponse() *Response {
	r := &Response{status: 100}
	r.headerBytes = []byte("HTTP/1.1 100 Continue\r\n\r\n")
	return r
}

func (c *Channel) handleControlDirective(directive Control) error {
	switch directive {
	case SendResponse:
		if c.resp == nil {
			c.resp = NewResponse(200)
		}
		c.resp.Prepare()
		c.writeStart = time.Now()
		c.stage.Store(WaitWritable)

	case FetchContent:
		if c.req.Expect100Continue() {
			c.resp = build100ContinueResponse()
			c.fetchingContent = true
			c.stage.Store(WaitWritable)
		} else {
			c.fetchingContent = true
			c.stage.Store(Read)
		}

	case RejectContent:
		if c.req.Expect100Continue() {
			resp := NewResponse(417)
			resp.SetKeepAlive(false)
			resp.Prepare()
			c.resp = resp
			c.forceClose = true
			c.stage.Store(WaitWritable)
		} else {
			c.Close()
		}
	}
	return nil
}

// onWrite implements the Write sub-protocol (spec section 4.E).
func (c *Channel) onWrite() error {
	maxWrite := minU64(c.dedicatedWrite.CurrentQuota(), c.masterWrite.CurrentQuota())
	minCap := minU64(c.dedicatedWrite.Capacity(), c.masterWrite.Capacity())

	if maxWrite < minCap {
		c.stage.Store(WriteTimeout)
		c.requestedWakeup = maxTime(c.dedicatedWrite.FillTime(minCap), c.masterWrite.FillTime(minCap))
		c.profiler.Record(EventChannelTimedOutWriting, "Channel", "write timed out on throttle")
		return nil
	}

	c.profiler.Record(EventChannelWriting, "Channel", "writing")

	budget := quotaToInt(maxWrite)
	complete, written, err := c.resp.FlushN(c.stream, budget)

	c.dedicatedWrite.Consume(uint64(written))
	c.masterWrite.Consume(uint64(written))

	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			c.stage.Store(WaitWritable)
			c.profiler.Record(EventChannelWaitedWritable, "Channel", "waiting for writability")
			return nil
		}
		return err
	}

	if !complete {
		if written < budget {
			c.stage.Store(WaitWritable)
			c.profiler.Record(EventChannelWaitedWritable, "Channel", "waiting for writability")
		} else {
			c.stage.Store(WriteTimeout)
			c.requestedWakeup = c.dedicatedWrite.FillTime(c.dedicatedWrite.Capacity())
			c.profiler.Record(EventChannelTimedOutWriting, "Channel", "write timed out on throttle")
		}
		return nil
	}

	c.profiler.Record(EventChannelWroteFullResponse, "Channel", "wrote full response")
	c.onFlushComplete()
	return nil
}

func (c *Channel) onFlushComplete() {
	switch {
	case c.forceClose:
		c.Close()
	case c.fetchingContent:
		// fetchingContent stays true: the 100-continue interim response
		// just finished flushing, and the next onRead call must consume
		// content, not a new header.
		c.stage.Store(Read)
	case c.resp != nil && c.resp.KeepAlive():
		c.recordWriteLatency()
		c.req.Reset()
		c.resp = nil
		c.stage.Store(Read)
	default:
		c.recordWriteLatency()
		c.Close()
	}
}

// recordWriteLatency reports how long the just-completed response took to
// flush, if it was started via a timestamped SendResponse directive (the
// 100-continue interim response never sets writeStart).
func (c *Channel) recordWriteLatency() {
	if c.writeStart.IsZero() {
		return
	}
	c.profiler.RecordLatency("response.flush", time.Since(c.writeStart))
	c.writeStart = time.Time{}
}
