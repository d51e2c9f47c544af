package nitra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// acceptErrorBackoffThreshold/acceptErrorBackoffStep/acceptErrorBackoffCap
// bound the capped-exponential sleep applied to consecutive transient accept
// errors, so a sustained EMFILE/ENFILE condition cannot hot-loop the accept
// goroutine. Grounded on nishisan-dev-n-backup/internal/server/server.go's
// Run() accept loop.
const (
	acceptErrorBackoffThreshold = 5
	acceptErrorBackoffStep      = 100 * time.Millisecond
	acceptErrorBackoffCap       = 5 * time.Second
)

// transientAcceptErrors are accept(2) failures the source's AcceptLoop
// swallows and retries on, since they reflect transient per-connection or
// per-process resource pressure rather than a dead listener. Grounded on
// original_source/src/Acceptor.cc's AcceptLoop "ignored" list.
var transientAcceptErrors = map[error]bool{
	unix.ECONNABORTED: true,
	unix.EMFILE:        true,
	unix.ENFILE:        true,
	unix.ENOBUFS:       true,
	unix.ENOMEM:        true,
	unix.EPROTO:        true,
	unix.EPERM:         true,
}

func isTransientAcceptError(err error) bool {
	var sysErr unix.Errno
	if errors.As(err, &sysErr) {
		return transientAcceptErrors[sysErr]
	}
	return false
}

// acceptBackoffDelay returns how long the accept loop should sleep after
// consecutiveErrors transient accept failures in a row: nothing up to and
// including the threshold, then a capped-exponential sleep (one step, doubling
// per further error), matching nishisan-dev-n-backup's Run() accept loop.
func acceptBackoffDelay(consecutiveErrors int) time.Duration {
	if consecutiveErrors <= acceptErrorBackoffThreshold {
		return 0
	}
	shift := consecutiveErrors - acceptErrorBackoffThreshold - 1
	if shift >= 16 {
		return acceptErrorBackoffCap
	}
	delay := acceptErrorBackoffStep << uint(shift)
	if delay > acceptErrorBackoffCap {
		delay = acceptErrorBackoffCap
	}
	return delay
}

// RelinquishFunc hands off a freshly accepted, already-wrapped connection;
// ordinarily bound to Server.onAccepted, which constructs a Channel and
// calls Orchestrator.Add.
type RelinquishFunc func(conn *socketStream) error

// Acceptor runs one accept(2) loop per listener (SO_REUSEPORT-bound, so the
// kernel load-balances across them) and a single dispatch goroutine that
// serialises handoff to relinquish. Grounded on
// original_source/src/Acceptor.cc and TcpAcceptor.cc.
type Acceptor struct {
	addr       string
	listeners  int
	relinquish RelinquishFunc
	logger     zerolog.Logger
	profiler   *Profiler
	connLimit  *ConnRateLimiter

	startStopMu sync.Mutex
	running     bool

	mu          sync.Mutex
	accepted    []net.Conn
	sem         *patienceSemaphore
	stopping    bool
	listenerFds []net.Listener

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan error
}

// NewAcceptor creates an Acceptor that will listen on addr with the given
// number of SO_REUSEPORT listener sockets (at least 1), handing accepted
// connections to relinquish.
func NewAcceptor(addr string, listeners int, relinquish RelinquishFunc, logger zerolog.Logger) *Acceptor {
	if listeners < 1 {
		listeners = 1
	}
	return &Acceptor{
		addr:       addr,
		listeners:  listeners,
		relinquish: relinquish,
		logger:     logger,
	}
}

// WithProfiler attaches a Profiler that records SocketQueued/Dequeued/
// Accepted events, mirroring Acceptor.cc's Profiler::Record calls.
func (a *Acceptor) WithProfiler(p *Profiler) *Acceptor {
	a.profiler = p
	return a
}

// WithConnRateLimiter installs a per-remote-address admission limiter: a
// connection refused by limiter is closed immediately and never reaches
// the dispatch queue or relinquish.
func (a *Acceptor) WithConnRateLimiter(limiter *ConnRateLimiter) *Acceptor {
	a.connLimit = limiter
	return a
}

func reusePortControl(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// Start binds one listener socket per configured listener count (each with
// SO_REUSEPORT so the kernel distributes incoming connections across them)
// and spawns an accept loop per listener plus a single dispatch loop. The
// returned channel receives exactly one value when the acceptor has fully
// stopped: nil on a clean Stop, or the error that forced it to stop.
func (a *Acceptor) Start() (<-chan error, error) {
	a.startStopMu.Lock()
	defer a.startStopMu.Unlock()

	if a.running {
		return nil, ErrAcceptorRunning
	}

	lc := net.ListenConfig{
		Control: reusePortControl,
	}

	listenerSockets := make([]net.Listener, 0, a.listeners)
	for i := 0; i < a.listeners; i++ {
		ln, err := lc.Listen(context.Background(), "tcp", a.addr)
		if err != nil {
			for _, l := range listenerSockets {
				_ = l.Close()
			}
			return nil, err
		}
		listenerSockets = append(listenerSockets, ln)
	}

	a.listenerFds = listenerSockets
	a.sem = newPatienceSemaphore()
	a.stopping = false
	a.done = make(chan error, 1)
	a.doneOnce = sync.Once{}
	a.running = true

	for i, ln := range listenerSockets {
		a.wg.Add(1)
		go a.acceptLoop(i, ln)
	}
	a.wg.Add(1)
	go a.dispatchLoop()

	go func() {
		a.wg.Wait()
		a.finish(nil)
	}()

	return a.done, nil
}

func (a *Acceptor) acceptLoop(index int, ln net.Listener) {
	defer a.wg.Done()
	var consecutiveErrors int
	for {
		conn, err := ln.Accept()
		if err != nil {
			a.mu.Lock()
			stopping := a.stopping
			a.mu.Unlock()
			if stopping {
				return
			}
			if isTransientAcceptError(err) {
				consecutiveErrors++
				a.logger.Warn().Err(err).Int("listener", index).Int("consecutive_errors", consecutiveErrors).Msg("transient accept error")
				if delay := acceptBackoffDelay(consecutiveErrors); delay > 0 {
					time.Sleep(delay)
				}
				continue
			}
			a.logger.Error().Err(err).Int("listener", index).Msg("acceptor listener failed unrecoverably")
			a.finish(fmt.Errorf("nitra: listener %d: %w", index, err))
			a.Stop()
			return
		}
		consecutiveErrors = 0

		if a.connLimit != nil {
			if _, admitted := a.connLimit.Allow(conn.RemoteAddr().String()); !admitted {
				a.profiler.Record(EventSocketRejected, "Acceptor", "socket rejected by rate limiter")
				_ = conn.Close()
				continue
			}
		}

		a.mu.Lock()
		a.accepted = append(a.accepted, conn)
		a.mu.Unlock()
		a.profiler.Record(EventSocketQueued, "Acceptor", "socket queued")
		a.sem.increment()
	}
}

func (a *Acceptor) dispatchLoop() {
	defer a.wg.Done()
	for {
		if !a.sem.tryDecrement(pollTimeout) {
			a.mu.Lock()
			stopping := a.stopping
			a.mu.Unlock()
			if stopping {
				return
			}
			continue
		}

		a.mu.Lock()
		stopping := a.stopping
		var conn net.Conn
		if len(a.accepted) > 0 {
			conn = a.accepted[0]
			a.accepted = a.accepted[1:]
		}
		a.mu.Unlock()

		if stopping && conn == nil {
			return
		}
		if conn == nil {
			continue
		}
		a.profiler.Record(EventSocketDequeued, "Acceptor", "socket dequeued")

		stream, err := newSocketStream(conn)
		if err != nil {
			a.logger.Warn().Err(err).Msg("failed to wrap accepted connection")
			_ = conn.Close()
			continue
		}
		if err := a.relinquish(stream); err != nil {
			a.logger.Warn().Err(err).Msg("relinquish returned an error which was ignored")
		} else {
			a.profiler.Record(EventSocketAccepted, "Acceptor", "socket accepted")
		}
	}
}

func (a *Acceptor) finish(err error) {
	a.doneOnce.Do(func() {
		if a.done != nil {
			a.done <- err
		}
	})
}

// Stop cooperatively ends every accept loop and the dispatch loop, then
// closes the listener sockets.
func (a *Acceptor) Stop() {
	a.startStopMu.Lock()
	defer a.startStopMu.Unlock()

	if !a.running {
		return
	}

	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()

	for _, ln := range a.listenerFds {
		_ = ln.Close()
	}
	if a.sem != nil {
		a.sem.increment()
	}

	a.running = false
}
