//go:build linux

package fiberio

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// reactor wraps one epoll instance, registering file descriptors in
// edge-triggered mode (EPOLLET): a readiness notification is delivered
// exactly once per transition rather than repeatedly for as long as data
// remains, so the hook layer (hook.go) is responsible for draining a fd
// until EAGAIN before re-arming interest, the standard edge-triggered
// discipline.
type reactor struct {
	epfd     int
	eventBuf []unix.EpollEvent
	closed   atomic.Bool
}

// epollResult is one readiness notification returned from [reactor.wait].
type epollResult struct {
	fd     int
	events ioEvent
}

func newReactor(maxEvents int) (*reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if maxEvents <= 0 {
		maxEvents = 256
	}
	return &reactor{epfd: epfd, eventBuf: make([]unix.EpollEvent, maxEvents)}, nil
}

func (r *reactor) Close() error {
	r.closed.Store(true)
	return unix.Close(r.epfd)
}

// registerFD arms events (edge-triggered) for fd.
func (r *reactor) registerFD(fd int, events ioEvent) error {
	if r.closed.Load() {
		return ErrReactorClosed
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events) | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

// modifyFD rearms events for an already-registered fd.
func (r *reactor) modifyFD(fd int, events ioEvent) error {
	if r.closed.Load() {
		return ErrReactorClosed
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events) | unix.EPOLLET, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// unregisterFD removes fd from the epoll instance.
func (r *reactor) unregisterFD(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks for up to timeoutMs (-1 = forever) and returns the fds that
// became ready.
func (r *reactor) wait(timeoutMs int) ([]epollResult, error) {
	if r.closed.Load() {
		return nil, ErrReactorClosed
	}
	n, err := unix.EpollWait(r.epfd, r.eventBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]epollResult, n)
	for i := 0; i < n; i++ {
		out[i] = epollResult{
			fd:     int(r.eventBuf[i].Fd),
			events: epollToEvents(r.eventBuf[i].Events),
		}
	}
	if n == len(r.eventBuf) {
		// Saturated: double the buffer so a readiness burst larger than the
		// current capacity cannot starve later-numbered fds across passes.
		r.eventBuf = make([]unix.EpollEvent, 2*len(r.eventBuf))
	}
	return out, nil
}

func eventsToEpoll(events ioEvent) uint32 {
	var e uint32
	if events&evRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&evWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) ioEvent {
	var events ioEvent
	if e&unix.EPOLLIN != 0 {
		events |= evRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= evWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= evError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= evHangup
	}
	return events
}
