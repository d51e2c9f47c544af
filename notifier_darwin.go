//go:build darwin

package nitra

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// kqueueNotifier wraps a kqueue instance in edge-triggered mode (EV_CLEAR),
// mirroring epollNotifier's contract. Grounded on eventloop/poller_darwin.go
// for the kqueue syscall plumbing and on the same Poller.cc stop-flag
// poll-loop idiom used by the Linux backend.
type kqueueNotifier struct {
	fdTable
	kq      int
	stopped atomic.Bool
}

func newNotifier() (notifier, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueNotifier{kq: kq}, nil
}

func (p *kqueueNotifier) changeList(fd int, events EventMask, add bool) []unix.Kevent_t {
	flags := uint16(unix.EV_CLEAR)
	if add {
		flags |= unix.EV_ADD | unix.EV_ENABLE
	} else {
		flags |= unix.EV_DELETE
	}

	var changes []unix.Kevent_t
	if !add || events&EventReadable != 0 || events&EventCompletion != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if !add || events&EventWritable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return changes
}

func (p *kqueueNotifier) Register(fd int, events EventMask) error {
	changes := p.changeList(fd, events, true)
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return err
	}
	p.set(fd, events)
	return nil
}

func (p *kqueueNotifier) Modify(fd int, events EventMask) error {
	return p.Register(fd, events)
}

func (p *kqueueNotifier) Unregister(fd int) error {
	if !p.isActive(fd) {
		return nil
	}
	p.clear(fd)
	changes := p.changeList(fd, 0, false)
	_, _ = unix.Kevent(p.kq, changes, nil, nil)
	return nil
}

func (p *kqueueNotifier) Start(handler EventHandler, dispatch func(func())) <-chan error {
	done := make(chan error, 1)
	go p.pollLoop(handler, dispatch, done)
	return done
}

func (p *kqueueNotifier) pollLoop(handler EventHandler, dispatch func(func()), done chan<- error) {
	events := make([]unix.Kevent_t, 256)
	timeout := unix.NsecToTimespec(pollTimeout.Nanoseconds())

	for !p.stopped.Load() {
		n, err := unix.Kevent(p.kq, nil, events, &timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			done <- err
			return
		}
		// coalesce EVFILT_READ and EVFILT_WRITE for the same fd arriving
		// in the same batch into a single callback invocation.
		masks := make(map[int]EventMask, n)
		for i := 0; i < n; i++ {
			fd := int(events[i].Ident)
			var m EventMask
			switch events[i].Filter {
			case unix.EVFILT_READ:
				m = EventReadable
			case unix.EVFILT_WRITE:
				m = EventWritable
			}
			if events[i].Flags&unix.EV_EOF != 0 {
				m |= EventCompletion
			}
			masks[fd] |= m
		}
		for fd, m := range masks {
			fd, m := fd, m
			dispatch(func() { handler(fd, m) })
		}
	}
	_ = unix.Close(p.kq)
	done <- nil
}

func (p *kqueueNotifier) Stop() {
	p.stopped.Store(true)
}
