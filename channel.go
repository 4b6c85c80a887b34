package fiberio

// ioEvent is the readiness bitmask used by FdCtx's waiter bookkeeping (this
// file) and by the epoll reactor (poller_linux.go); it lives here since
// that bookkeeping does not depend on the reactor backend.
type ioEvent uint32

const (
	evRead ioEvent = 1 << iota
	evWrite
	evError
	evHangup
)

// waiter describes whoever is parked on one direction of an fd: either a
// coroutine to be resumed via its scheduler, or a plain callback. Exactly
// one of co/cb is set.
type waiter struct {
	sched *Scheduler
	co    *Coroutine
	pin   int
	cb    func(err error)
}

// fire delivers err to the waiter: resumes the coroutine (passing err as
// the resume argument) or invokes the callback, always off the calling
// goroutine's stack frame so a slow callback cannot hold the fdChannel
// spinlock. A coroutine whose scheduler has already stopped accepting work
// (Stop racing a late wakeup) is resumed on a plain goroutine instead, so it
// still observes the error and unwinds rather than staying parked forever.
func (w *waiter) fire(err error) {
	if w.co != nil {
		if w.sched != nil && w.sched.Schedule(Task{Coro: w.co, Pin: w.pin, Arg: err}) == nil {
			return
		}
		go resumeParked(w.co, err)
		return
	}
	if w.cb != nil {
		go w.cb(err)
	}
}

// fdChannel is the per-fd event-waiter table: one waiter slot per direction
// (read/write), guarded by a [Spinlock] rather than the table-wide
// FdManager mutex, so arming/firing one fd's events never contends with
// registration traffic on unrelated fds.
//
// Lock ordering: FdManager.mu (if held) is always acquired before this
// spinlock, never after; see fdtable.go.
type fdChannel struct {
	fd    int
	mu    Spinlock
	read  *waiter
	write *waiter
	armed ioEvent // events currently registered with the poller for fd
}

func newFdChannel(fd int) *fdChannel {
	return &fdChannel{fd: fd}
}

// arm records w as the waiter for ev (evRead or evWrite) and returns the
// previous waiter, if any, so the caller can decide whether to fire it with
// an error (replaced) or treat it as a bug (double-wait).
func (c *fdChannel) arm(ev ioEvent, w *waiter) (prev *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev {
	case evRead:
		prev, c.read = c.read, w
	case evWrite:
		prev, c.write = c.write, w
	}
	c.armed |= ev
	return prev
}

// disarm removes any waiter for ev without firing it.
func (c *fdChannel) disarm(ev ioEvent) (prev *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev {
	case evRead:
		prev, c.read = c.read, nil
	case evWrite:
		prev, c.write = c.write, nil
	}
	c.armed &^= ev
	return prev
}

// triggerMask maps raw epoll-reported events (which may include
// error/hangup bits) onto the read/write waiter slots that must fire:
// EPOLLERR/EPOLLHUP wake BOTH directions, since either waiter needs a
// chance to observe the error.
func triggerMask(reported ioEvent) ioEvent {
	if reported&(evError|evHangup) != 0 {
		return evRead | evWrite
	}
	return reported
}

// trigger fires whichever of read/write are set in mask, clearing their
// waiter slots and armed bits first so a re-arm from within the fired
// callback/coroutine behaves correctly. Returns how many waiters it actually
// fired (0, 1 or 2), so callers tracking a pending-event count know how much
// to subtract.
func (c *fdChannel) trigger(mask ioEvent, err error) (fired int) {
	mask = triggerMask(mask)
	c.mu.Lock()
	var r, w *waiter
	if mask&evRead != 0 {
		r, c.read = c.read, nil
		c.armed &^= evRead
	}
	if mask&evWrite != 0 {
		w, c.write = c.write, nil
		c.armed &^= evWrite
	}
	c.mu.Unlock()
	if r != nil {
		r.fire(err)
		fired++
	}
	if w != nil {
		w.fire(err)
		fired++
	}
	return fired
}

// wakeAll fires any armed waiters with err, used when the fd is closed or
// the reactor shuts down. Returns the count fired, same as trigger.
func (c *fdChannel) wakeAll(err error) int {
	return c.trigger(evRead|evWrite, err)
}

// Armed returns the currently-armed event mask.
func (c *fdChannel) Armed() ioEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}
