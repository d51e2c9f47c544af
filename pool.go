package nitra

import (
	"sync"
	"time"
)

// WorkFunc is a unit of work submitted to a Pool.
type WorkFunc func() error

// Future resolves once its associated WorkFunc has run (or the pool decided
// it never will). Grounded on the source's std::future<void> returned by
// ThreadPool::Post.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the work completes and returns its error, if any.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// patienceSemaphore is a counting semaphore whose Acquire supports a wait
// timeout ("patience"). Go has no std::counting_semaphore equivalent in the
// standard library or in the example pack's dependency surface, so this is
// hand-rolled on sync.Cond rather than reached for a library; see DESIGN.md.
type patienceSemaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

func newPatienceSemaphore() *patienceSemaphore {
	s := &patienceSemaphore{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *patienceSemaphore) increment() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

// tryDecrement blocks until a token is available or patience elapses,
// returning false on timeout.
func (s *patienceSemaphore) tryDecrement(patience time.Duration) bool {
	deadline := time.Now().Add(patience)

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.count == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, s.cond.Broadcast)
		s.cond.Wait()
		timer.Stop()
	}
	s.count--
	return true
}

// workItem pairs a submitted WorkFunc with its submission time, so the
// pool's upscale check can measure how long it has been waiting.
type workItem struct {
	work      WorkFunc
	future    *Future
	submitted time.Time
}

func (w *workItem) pendingTime() time.Duration {
	return time.Since(w.submitted)
}

// worker runs w.Fetch/w.Execute in a loop until Fetch reports no more work,
// either because the pool stopped or because it waited past
// downscalePatience with nothing to do. Grounded on original_source's
// ThreadPool.cc Worker class.
type worker struct {
	pool  *Pool
	alive bool
}

func (w *worker) run() {
	for {
		item, ok := w.fetch()
		if !ok {
			return
		}
		w.execute(item)
	}
}

func (w *worker) fetch() (*workItem, bool) {
	w.pool.mu.Lock()
	patience := w.pool.downscalePatience
	w.pool.mu.Unlock()

	if !w.pool.sem.tryDecrement(patience) {
		w.pool.mu.Lock()
		w.alive = false
		w.pool.needCollect = true
		w.pool.mu.Unlock()
		return nil, false
	}

	w.pool.mu.Lock()
	defer w.pool.mu.Unlock()

	if w.pool.stopped {
		w.alive = false
		w.pool.needCollect = true
		return nil, false
	}

	item := w.pool.pending[0]
	w.pool.pending = w.pool.pending[1:]
	return item, true
}

func (w *worker) execute(item *workItem) {
	err := item.work()
	item.future.resolve(err)
}

// Pool is a bounded, elastic worker pool: workers are spawned lazily up to
// capacity and exit when idle past downscalePatience, so a quiet server
// settles back down to zero running goroutines. Grounded on
// original_source/src/ThreadPool.cc.
type Pool struct {
	mu sync.Mutex

	capacity          int
	upscalePatience   time.Duration
	downscalePatience time.Duration

	pending     []*workItem
	workers     []*worker
	stopped     bool
	needCollect bool

	sem *patienceSemaphore
}

// NewPool creates a Pool with the given hard capacity and elasticity
// patience thresholds.
func NewPool(capacity int, upscalePatience, downscalePatience time.Duration) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		capacity:          capacity,
		upscalePatience:   upscalePatience,
		downscalePatience: downscalePatience,
		sem:               newPatienceSemaphore(),
	}
}

// Post enqueues work and returns a Future that resolves with its result. If
// the pool has been stopped, Post returns nil (an "invalid future").
func (p *Pool) Post(work WorkFunc) *Future {
	item := &workItem{work: work, submitted: time.Now()}
	item.future = newFuture()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	if p.needWorkerLocked() {
		p.spawnWorkerLocked()
	}
	p.pending = append(p.pending, item)
	p.mu.Unlock()

	p.sem.increment()

	// Re-check once this item could have waited past upscalePatience, so a
	// backlog that ages without further Posts still gains a worker.
	time.AfterFunc(p.upscalePatience+time.Millisecond, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.stopped && len(p.pending) > 0 && p.needWorkerLocked() {
			p.spawnWorkerLocked()
		}
	})
	return item.future
}

func (p *Pool) collectLocked() {
	if !p.needCollect {
		return
	}
	alive := p.workers[:0]
	for _, w := range p.workers {
		if w.alive {
			alive = append(alive, w)
		}
	}
	p.workers = alive
	p.needCollect = false
}

func (p *Pool) needWorkerLocked() bool {
	p.collectLocked()

	if len(p.workers) == p.capacity {
		return false
	}
	if len(p.workers) == 0 {
		return true
	}
	if len(p.pending) == 0 {
		return false
	}
	return p.pending[0].pendingTime() > p.upscalePatience
}

func (p *Pool) spawnWorkerLocked() {
	w := &worker{pool: p, alive: true}
	p.workers = append(p.workers, w)
	go w.run()
}

// WorkerCount returns the number of currently live workers, collecting dead
// ones first.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collectLocked()
	return len(p.workers)
}

// Stop drains the pending queue without running it, wakes every worker, and
// waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	for _, item := range p.pending {
		item.future.resolve(ErrPoolStopped)
	}
	p.pending = nil
	capacity := p.capacity
	p.mu.Unlock()

	for i := 0; i < capacity; i++ {
		p.sem.increment()
	}

	// Workers self-terminate on the next Fetch once stopped is observed;
	// give them a moment to drain rather than joining explicitly, since the
	// pool holds no thread handles (goroutines, not std::thread joinables).
	for {
		if p.WorkerCount() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
