//go:build linux

package nitra

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// epollNotifier wraps an epoll instance in edge-triggered mode. Grounded on
// eventloop/poller_linux.go's FastPoller, adapted from a pure-callback
// design to the orchestrator's dispatch-through-worker-pool contract, and on
// original_source/src/Poller.cc for the stop-flag poll-loop idiom and the
// EPOLLIN|EPOLLHUP|EPOLLRDHUP registration mask.
type epollNotifier struct {
	fdTable
	epfd    int
	stopped atomic.Bool
}

func newNotifier() (notifier, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollNotifier{epfd: fd}, nil
}

func maskToEpoll(m EventMask) uint32 {
	var e uint32 = unix.EPOLLET
	if m&EventReadable != 0 {
		e |= unix.EPOLLIN
	}
	if m&EventWritable != 0 {
		e |= unix.EPOLLOUT
	}
	if m&EventCompletion != 0 {
		e |= unix.EPOLLHUP | unix.EPOLLRDHUP
	}
	return e
}

func epollToMask(e uint32) EventMask {
	var m EventMask
	if e&unix.EPOLLIN != 0 {
		m |= EventReadable
	}
	if e&unix.EPOLLOUT != 0 {
		m |= EventWritable
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
		m |= EventCompletion
	}
	return m
}

func (p *epollNotifier) Register(fd int, events EventMask) error {
	ev := unix.EpollEvent{Events: maskToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.set(fd, events)
	return nil
}

func (p *epollNotifier) Modify(fd int, events EventMask) error {
	ev := unix.EpollEvent{Events: maskToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	p.set(fd, events)
	return nil
}

func (p *epollNotifier) Unregister(fd int) error {
	if !p.isActive(fd) {
		return nil
	}
	p.clear(fd)
	// ignore error: the fd may already be closed by the caller, in which
	// case the kernel has already dropped the registration.
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (p *epollNotifier) Start(handler EventHandler, dispatch func(func())) <-chan error {
	done := make(chan error, 1)
	go p.pollLoop(handler, dispatch, done)
	return done
}

func (p *epollNotifier) pollLoop(handler EventHandler, dispatch func(func()), done chan<- error) {
	events := make([]unix.EpollEvent, 256)
	timeoutMs := int(pollTimeout.Milliseconds())

	for !p.stopped.Load() {
		n, err := unix.EpollWait(p.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			done <- err
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			mask := epollToMask(events[i].Events)
			dispatch(func() { handler(fd, mask) })
		}
	}
	_ = unix.Close(p.epfd)
	done <- nil
}

func (p *epollNotifier) Stop() {
	p.stopped.Store(true)
}
