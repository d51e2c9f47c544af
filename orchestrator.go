package nitra

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// defaultInactivityTimeout matches original_source/include/Orchestrator.h's
// default _inactivityTimeout of 10000ms.
const defaultInactivityTimeout = 10 * time.Second

// wakeSignal is the orchestrator's one-shot wake mechanism: a lock and
// condition variable; the matching "latest wake" time point is
// Orchestrator.lastSignal, refreshed by captureAndWait after every wake.
// Go's sync.Cond has no deadline-aware Wait, so waitUntil arms a one-shot
// timer that broadcasts at the deadline — the same technique used by
// patienceSemaphore in pool.go.
type wakeSignal struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
}

func newWakeSignal() *wakeSignal {
	w := &wakeSignal{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *wakeSignal) signal() {
	w.mu.Lock()
	w.pending = true
	w.mu.Unlock()
	w.cond.Broadcast()
}

// waitUntil blocks until either signal() has been called since the last
// wait, or deadline passes, whichever is first.
func (w *wakeSignal) waitUntil(deadline time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending {
		w.pending = false
		return
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return
	}

	timer := time.AfterFunc(remaining, w.cond.Broadcast)
	w.cond.Wait()
	timer.Stop()
	w.pending = false
}

// ChannelFactory produces a Channel for a newly accepted connection. The
// orchestrator injects the master throttlers and logger via cfg before
// calling through to the user-supplied processor assembly.
type ChannelFactory func(conn *socketStream, cfg ChannelConfig) *Channel

// OrchestratorOption configures an Orchestrator at construction time,
// grounded on eventloop/options.go's functional-options idiom.
type OrchestratorOption func(*Orchestrator)

// WithInactivityTimeout overrides the default 10s inactivity timeout.
func WithInactivityTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.inactivityTimeout = d }
}

// WithMasterThrottlers installs the server-wide read/write throttlers
// shared across every channel the orchestrator creates.
func WithMasterThrottlers(read, write *Throttler) OrchestratorOption {
	return func(o *Orchestrator) { o.masterRead, o.masterWrite = read, write }
}

// WithLogger installs a zerolog.Logger used for Advance-error and
// notifier-failure logging.
func WithLogger(l zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorProfiler attaches a Profiler that records Signalled/
// WokeUp/CapturedTasks events, mirroring Orchestrator.cc's Profiler::Record
// calls in its coordinator loop.
func WithOrchestratorProfiler(p *Profiler) OrchestratorOption {
	return func(o *Orchestrator) { o.profiler = p }
}

// withNotifier overrides the platform notifier; unexported since it exists
// only to let tests substitute a fake one.
func withNotifier(n notifier) OrchestratorOption {
	return func(o *Orchestrator) { o.notifier = n }
}

// Orchestrator is the event/timeout/throttle-refill coordinator at the
// center of the server: it owns the task registry, demultiplexes readiness
// events from the notifier, and schedules Advance calls on the worker pool.
// Grounded on original_source/src/Orchestrator.cc.
type Orchestrator struct {
	mu     sync.Mutex
	tasks  []*Task
	lookup map[int]*Task

	masterRead  *Throttler
	masterWrite *Throttler

	wake       *wakeSignal
	lastSignal time.Time

	inactivityTimeout time.Duration
	stopped           atomic.Bool

	notifier notifier
	pool     *Pool

	factory ChannelFactory

	logger   zerolog.Logger
	profiler *Profiler

	notifierDone    <-chan error
	coordinatorDone chan struct{}

	// failure is set by Stop when the notifier's poll loop ended with an
	// error; Failure() surfaces it, mirroring the source's promise/future on
	// the orchestrator's own Start().
	failure error
}

// NewOrchestrator creates an Orchestrator bound to pool for Advance/event
// dispatch and factory to construct channels for newly accepted sockets.
func NewOrchestrator(pool *Pool, factory ChannelFactory, opts ...OrchestratorOption) (*Orchestrator, error) {
	n, err := newNotifier()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		lookup:            make(map[int]*Task),
		masterRead:        NewUnlimitedThrottler(),
		masterWrite:       NewUnlimitedThrottler(),
		wake:              newWakeSignal(),
		inactivityTimeout: defaultInactivityTimeout,
		notifier:          n,
		pool:              pool,
		factory:           factory,
		coordinatorDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start arms the notifier's poll loop and spawns the coordinator goroutine.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	o.lastSignal = time.Now()
	o.mu.Unlock()

	o.notifierDone = o.notifier.Start(o.onEvent, func(f func()) { o.pool.Post(func() error { f(); return nil }) })
	go o.coordinatorLoop()
}

// Add registers a newly accepted connection: it builds a Channel via the
// factory, injects the master throttlers, inserts the Task into the
// registry and fast-lookup map, and arms the notifier for Completion |
// Readable. Grounded on Orchestrator::Add.
func (o *Orchestrator) Add(conn *socketStream, processor Processor) error {
	cfg := ChannelConfig{
		Processor:   processor,
		MasterRead:  o.masterRead,
		MasterWrite: o.masterWrite,
		Logger:      o.logger,
	}
	ch := o.factory(conn, cfg)
	t := newTask(ch)

	o.mu.Lock()
	o.tasks = append(o.tasks, t)
	o.lookup[conn.Fd()] = t
	o.mu.Unlock()

	if err := o.notifier.Register(conn.Fd(), EventCompletion|EventReadable); err != nil {
		o.mu.Lock()
		delete(o.lookup, conn.Fd())
		o.mu.Unlock()
		return err
	}
	return nil
}

// onEvent is the notifier's dispatch callback, always invoked via the
// worker pool (never the poll thread itself, per spec section 4.B).
func (o *Orchestrator) onEvent(fd int, mask EventMask) {
	o.mu.Lock()
	t, ok := o.lookup[fd]
	o.mu.Unlock()
	if !ok {
		return // late event for an already-removed fd: drop it
	}

	o.profiler.Record(EventPollerDispatched, "Poller", "event dispatched")

	t.mu.Lock()
	t.channel.HandleEvent(mask)
	t.mu.Unlock()

	o.profiler.Record(EventOrchestratorSignalled, "Orchestrator", "event dispatched")
	o.wake.signal()
}

// coordinatorLoop is the main coordinator thread body: it repeatedly calls
// iterateOnce until stopped.
func (o *Orchestrator) coordinatorLoop() {
	defer close(o.coordinatorDone)
	for !o.stopped.Load() {
		o.iterateOnce()
	}
}

// iterateOnce is one coordinator loop body (spec section 4.F).
func (o *Orchestrator) iterateOnce() {
	o.profiler.Record(EventOrchestratorWaiting, "Orchestrator", "coordinator waiting")
	o.captureAndWait()
	o.profiler.Record(EventOrchestratorWokeUp, "Orchestrator", "coordinator woke up")
	o.collectGarbage()
	ready := o.filterReadyTasks()
	o.profiler.Record(EventOrchestratorCapturedTasks, "Orchestrator", "captured ready tasks")

	for _, t := range ready {
		t.inProcess.Store(true)
		task := t
		o.pool.Post(func() error {
			o.activate(task)
			return nil
		})
	}
}

func (o *Orchestrator) captureAndWait() {
	deadline := o.latestAllowedWakeup()
	o.wake.waitUntil(deadline)

	o.mu.Lock()
	o.lastSignal = time.Now()
	o.mu.Unlock()
}

// latestAllowedWakeup computes the earliest deadline across every task's
// requested timeout, bounded by the inactivity timeout. Grounded on
// Orchestrator::GetLatestAllowedWakeup.
func (o *Orchestrator) latestAllowedWakeup() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()

	last := o.lastSignal
	deadline := last.Add(o.inactivityTimeout)

	for _, t := range o.tasks {
		r := t.channel.RequestedTimeout()
		if r.IsZero() {
			continue
		}
		if !r.Before(last) && r.Before(deadline) {
			deadline = r
		}
	}
	return deadline
}

// filterReadyTasks returns every task satisfying the readiness predicate.
func (o *Orchestrator) filterReadyTasks() []*Task {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()

	var ready []*Task
	for _, t := range o.tasks {
		if t.isReady(now, o.inactivityTimeout) {
			ready = append(ready, t)
		}
	}
	return ready
}

// collectGarbage removes Closed-stage tasks from both the task list and the
// fast-lookup map, the Go analogue of Orchestrator::CollectGarbage's
// stable_partition.
func (o *Orchestrator) collectGarbage() {
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.tasks[:0]
	for _, t := range o.tasks {
		if t.channel.Stage() == Closed {
			for fd, lt := range o.lookup {
				if lt == t {
					delete(o.lookup, fd)
				}
			}
			continue
		}
		kept = append(kept, t)
	}
	o.tasks = kept
}

// activate runs on a worker: it enforces the inactivity timeout, calls
// Advance, and re-arms the notifier (or signals the coordinator) based on
// the resulting stage. Grounded on Orchestrator::Task::Activate.
func (o *Orchestrator) activate(t *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.inProcess.Store(false)

	now := time.Now()
	if t.reachedInactivityTimeout(now, o.inactivityTimeout) {
		_ = o.notifier.Unregister(t.channel.Fd())
		t.channel.Close()
	} else {
		t.channel.Advance()
	}
	t.touchLastActive()

	switch t.channel.Stage() {
	case WaitReadable:
		_ = o.notifier.Modify(t.channel.Fd(), EventCompletion|EventReadable)
	case WaitWritable:
		_ = o.notifier.Modify(t.channel.Fd(), EventCompletion|EventWritable)
	default:
		o.wake.signal()
	}
}

// Stop cooperatively ends the coordinator loop, the notifier, and the
// worker pool, in that order. Idempotent.
func (o *Orchestrator) Stop() {
	if !o.stopped.CompareAndSwap(false, true) {
		return
	}
	o.wake.signal()
	<-o.coordinatorDone
	o.notifier.Stop()
	if o.notifierDone != nil {
		if err := <-o.notifierDone; err != nil {
			o.failure = err
		}
	}
	o.pool.Stop()
}

// Failure returns the error the notifier's poll loop ended with, as collected
// by Stop; it is nil if the loop ended cleanly or Stop has not run yet. A
// notifier failure does not by itself stop the coordinator or the worker
// pool: the error is only picked up when Stop is called.
func (o *Orchestrator) Failure() error { return o.failure }

// TaskCount returns the number of tasks currently tracked (including not
// yet garbage-collected Closed ones), for tests and diagnostics.
func (o *Orchestrator) TaskCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}
