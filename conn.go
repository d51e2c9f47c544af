package nitra

import (
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// socketStream is the channel's non-blocking socket, with a reference count
// modelled on original_source/include/FileStream.h's shared-ownership model.
// Only the channel's own reference exists: neither the orchestrator nor the
// notifier calls acquire, so the release in Channel.Close closes the
// connection at once, and a late notifier event may carry an fd number that
// has already been closed.
type socketStream struct {
	conn net.Conn
	fd   int
	refs atomic.Int32
}

func newSocketStream(conn net.Conn) (*socketStream, error) {
	raw, err := rawConnOf(conn)
	if err != nil {
		return nil, err
	}
	var fd int
	ctrlErr := raw.Control(func(p uintptr) { fd = int(p) })
	if ctrlErr != nil {
		return nil, ctrlErr
	}
	s := &socketStream{conn: conn, fd: fd}
	s.refs.Store(1)
	return s, nil
}

// Fd returns the raw file descriptor for notifier registration.
func (s *socketStream) Fd() int { return s.fd }

// acquire/release implement the shared-ownership refcount described above.
func (s *socketStream) acquire() { s.refs.Add(1) }

func (s *socketStream) release() {
	if s.refs.Add(-1) == 0 {
		_ = s.conn.Close()
	}
}

// Read performs a single non-blocking read attempt: it never waits for the
// runtime's own poller, since readiness is multiplexed by this module's own
// notifier instead. EAGAIN is reported as ErrWouldBlock, not an error.
func (s *socketStream) Read(p []byte) (int, error) {
	raw, err := rawConnOf(s.conn)
	if err != nil {
		return 0, err
	}
	var n int
	var opErr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), p)
		return true
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	if opErr != nil {
		if opErr == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, opErr
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write performs a single non-blocking write attempt, same discipline as
// Read.
func (s *socketStream) Write(p []byte) (int, error) {
	raw, err := rawConnOf(s.conn)
	if err != nil {
		return 0, err
	}
	var n int
	var opErr error
	ctrlErr := raw.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), p)
		return true
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	if opErr != nil {
		if opErr == unix.EAGAIN {
			return n, ErrWouldBlock
		}
		return n, opErr
	}
	return n, nil
}

// SetCork toggles TCP_CORK (Linux) / TCP_NOPUSH (Darwin) around chunk and
// header boundaries, matching the source's cork/uncork calls in
// Response::Flush. Non-TCP streams silently ignore this.
func (s *socketStream) SetCork(on bool) {
	if _, ok := s.conn.(*net.TCPConn); !ok {
		return
	}
	raw, err := rawConnOf(s.conn)
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		setCork(int(fd), on)
	})
}
