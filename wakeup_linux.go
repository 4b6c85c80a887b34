//go:build linux

package fiberio

import "golang.org/x/sys/unix"

// wakeupPipe is a dedicated 2-fd pipe used to break a worker blocked in
// epoll_wait, e.g. when a new task is scheduled or a new earliest timer is
// inserted. A pipe pair (rather than a single eventfd) keeps the read and
// write ends independently closable, which matters for the shutdown
// ordering in IOManager.Shutdown.
type wakeupPipe struct {
	r, w int
}

func newWakeupPipe() (*wakeupPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	return &wakeupPipe{r: fds[0], w: fds[1]}, nil
}

// tickle writes a single byte, waking anything blocked reading r (and, via
// the reactor, anything blocked in epoll_wait on r). Multiple concurrent
// tickles safely coalesce: drain reads every available byte in one pass.
func (p *wakeupPipe) tickle() {
	var b [1]byte
	for {
		_, err := unix.Write(p.w, b[:])
		if err == nil || err == unix.EINTR {
			if err == nil {
				return
			}
			continue
		}
		// EAGAIN: pipe buffer already has a pending wake byte, nothing
		// further to do.
		return
	}
}

// drain consumes all pending wakeup bytes so the reactor does not busy-loop
// re-triggering on the same bytes.
func (p *wakeupPipe) drain() {
	var buf [64]byte
	for {
		_, err := unix.Read(p.r, buf[:])
		if err != nil {
			return
		}
	}
}

func (p *wakeupPipe) Close() error {
	_ = unix.Close(p.w)
	return unix.Close(p.r)
}
