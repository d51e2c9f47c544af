package nitra

import (
	"time"

	"github.com/rs/zerolog"
)

// ServerConfig configures a Server's collaborators at construction time.
// Zero values pick the same defaults as the C++ source: unlimited
// throttling, a 10s inactivity timeout, and one listener socket.
type ServerConfig struct {
	// Addr is the TCP address to listen on, e.g. ":8080".
	Addr string
	// Listeners is the number of SO_REUSEPORT listener sockets to bind.
	// Values below 1 are treated as 1.
	Listeners int
	// PoolCapacity bounds the elastic worker pool's concurrency.
	PoolCapacity int
	// PoolUpscalePatience/PoolDownscalePatience tune the pool's elasticity;
	// see Pool for their meaning.
	PoolUpscalePatience   time.Duration
	PoolDownscalePatience time.Duration
	// InactivityTimeout bounds how long a channel may sit idle,
	// mid-request or between keep-alive requests, before being closed.
	InactivityTimeout time.Duration
	// Processor handles every request the server receives.
	Processor Processor
	// Logger receives structured diagnostics from every component.
	Logger zerolog.Logger
	// Profiler, if non-nil, records Acceptor/Orchestrator events. A nil
	// Profiler (the default) disables profiling at zero cost.
	Profiler *Profiler
	// ConnRateLimiter, if non-nil, caps new-connection admission per remote
	// address before a connection ever reaches the Orchestrator.
	ConnRateLimiter *ConnRateLimiter
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Listeners < 1 {
		c.Listeners = 1
	}
	if c.PoolCapacity < 1 {
		c.PoolCapacity = 1
	}
	if c.PoolUpscalePatience <= 0 {
		c.PoolUpscalePatience = 10 * time.Millisecond
	}
	if c.PoolDownscalePatience <= 0 {
		c.PoolDownscalePatience = time.Second
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	return c
}

// Server is the embeddable facade wiring the Acceptor, the worker Pool, and
// the Orchestrator together: every accepted connection becomes a Channel
// added to the Orchestrator, which schedules its advancement on the Pool.
// Grounded on original_source/src/HttpServer.cc.
type Server struct {
	cfg ServerConfig

	pool         *Pool
	orchestrator *Orchestrator
	acceptor     *Acceptor

	acceptorDone <-chan error
}

// NewServer assembles a Server from cfg without starting it.
func NewServer(cfg ServerConfig) (*Server, error) {
	cfg = cfg.withDefaults()

	pool := NewPool(cfg.PoolCapacity, cfg.PoolUpscalePatience, cfg.PoolDownscalePatience)

	s := &Server{cfg: cfg, pool: pool}

	orch, err := NewOrchestrator(pool, NewChannel,
		WithInactivityTimeout(cfg.InactivityTimeout),
		WithLogger(cfg.Logger),
		WithOrchestratorProfiler(cfg.Profiler),
	)
	if err != nil {
		return nil, err
	}
	s.orchestrator = orch

	s.acceptor = NewAcceptor(cfg.Addr, cfg.Listeners, s.onAccepted, cfg.Logger).
		WithProfiler(cfg.Profiler).
		WithConnRateLimiter(cfg.ConnRateLimiter)
	return s, nil
}

// ThrottleRead installs the server-wide read throttler shared across every
// channel. Must be called before Start.
func (s *Server) ThrottleRead(t *Throttler) {
	s.orchestrator.masterRead = t
}

// ThrottleWrite installs the server-wide write throttler shared across
// every channel. Must be called before Start.
func (s *Server) ThrottleWrite(t *Throttler) {
	s.orchestrator.masterWrite = t
}

func (s *Server) onAccepted(conn *socketStream) error {
	return s.orchestrator.Add(conn, s.cfg.Processor)
}

// Start binds the listener sockets and begins accepting connections. The
// returned channel is Acceptor.Start's completion channel: it receives
// exactly one value once the acceptor has stopped (nil after Stop, or the
// error that ended accepting). The orchestrator and the worker pool are
// stopped only by Stop.
func (s *Server) Start() (<-chan error, error) {
	s.orchestrator.Start()

	done, err := s.acceptor.Start()
	if err != nil {
		s.orchestrator.Stop()
		return nil, err
	}
	s.acceptorDone = done
	return done, nil
}

// Stop cooperatively ends the acceptor, then the orchestrator (which in
// turn drains the worker pool).
func (s *Server) Stop() {
	s.acceptor.Stop()
	s.orchestrator.Stop()
}

// Orchestrator exposes the underlying Orchestrator for advanced callers
// (e.g. tests wanting direct Add access without a live listener).
func (s *Server) Orchestrator() *Orchestrator { return s.orchestrator }
