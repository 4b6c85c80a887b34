package fiberio

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
)

// IOManager extends [Scheduler] with an edge-triggered epoll reactor and a
// [TimerManager], wired in through the scheduler's idle/tickle hooks:
// exactly one worker (index 0) ever blocks in epoll_wait; the rest fall
// back to the Scheduler's ordinary condition-variable park, woken either by
// new work or by the reactor worker re-queuing a ready coroutine.
type IOManager struct {
	*Scheduler

	fds    *FdManager
	timers *TimerManager
	react  *reactor
	wake   *wakeupPipe

	errLimiter *catrate.Limiter
	logger     Logger

	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration

	// pendingEvents counts armed (fd, direction) waiter slots across every
	// registered fd: incremented when WaitEvent arms a previously-unarmed
	// slot, decremented whenever that slot is cleared, fired or not (real
	// readiness via trigger, a timeout via expireEvent, or an explicit
	// CancelEvent/CancelAll/Close). One of canStop's three terms.
	pendingEvents atomic.Int64

	baseIdle   func(int)
	baseTickle func()
}

// NewIOManager creates and starts the reactor (but not the worker pool;
// call [Scheduler.Start] via the embedded Scheduler).
func NewIOManager(opts ...IOManagerOption) (*IOManager, error) {
	cfg, err := resolveIOManagerOptions(opts)
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(cfg.scheduler...)
	if err != nil {
		return nil, err
	}
	react, err := newReactor(cfg.maxEvents)
	if err != nil {
		return nil, err
	}
	wake, err := newWakeupPipe()
	if err != nil {
		_ = react.Close()
		return nil, err
	}
	if err := react.registerFD(wake.r, evRead); err != nil {
		_ = react.Close()
		_ = wake.Close()
		return nil, err
	}

	iom := &IOManager{
		Scheduler:      sched,
		fds:            NewFdManager(),
		react:          react,
		wake:           wake,
		errLimiter:     catrate.NewLimiter(cfg.errRate),
		logger:         sched.logger,
		connectTimeout: cfg.connectTimeout,
		readTimeout:    cfg.readTimeout,
		writeTimeout:   cfg.writeTimeout,
	}
	iom.timers = NewTimerManager(cfg.rollbackTolerance, iom.logger)
	iom.timers.onInsertedAtFront = func() { iom.wake.tickle() }

	iom.baseIdle = sched.idleHook
	iom.baseTickle = sched.tickleHook
	sched.idleHook = iom.idle
	sched.tickleHook = iom.tickle
	sched.canStop = iom.canStop

	return iom, nil
}

// canStop is the I/O-aware stop predicate installed over the Scheduler's
// default. A worker may only give up and exit its drain loop once nothing
// could still wake it up later: no armed fd waiters, no pending timers, and
// no other worker still mid-task (which might itself arm a new waiter or
// timer before finishing). Called by [Scheduler.dequeue] with the
// scheduler's queue mutex held, only once the run state is no longer
// Running and the queue holds no task this worker may run.
func (iom *IOManager) canStop() bool {
	return iom.pendingEvents.Load() == 0 &&
		iom.timers.Len() == 0 &&
		iom.ActiveWorkers() == 0
}

// Timers returns the manager's [TimerManager], for direct scheduling of
// timer-driven callbacks outside the hook layer.
func (iom *IOManager) Timers() *TimerManager { return iom.timers }

// PendingEvents returns the number of currently-armed (fd, direction) event
// waiters.
func (iom *IOManager) PendingEvents() int64 { return iom.pendingEvents.Load() }

// tickle overrides the base Scheduler wake: it broadcasts the condition
// variable for ordinary parked workers AND writes to the wakeup pipe in
// case the reactor worker is blocked in epoll_wait.
func (iom *IOManager) tickle() {
	iom.baseTickle()
	iom.wake.tickle()
}

// idle is the IOManager's override of Scheduler.idleHook. It is called
// with the Scheduler's internal queue mutex held; workers other than index
// 0 fall back to the inherited condition-variable wait, while worker 0
// releases the lock to perform the (potentially long) epoll_wait syscall,
// dispatches whatever became ready, fires due timers, then reacquires the
// lock before returning, exactly the contract Scheduler.dequeue expects of
// idleHook.
func (iom *IOManager) idle(workerID int) {
	if workerID != 0 {
		iom.baseIdle(workerID)
		return
	}

	iom.mu.Unlock()
	defer iom.mu.Lock()

	now := time.Now()
	timeout, _ := iom.timers.NextTimeout(now)
	timeoutMs := int(timeout / time.Millisecond)
	if timeoutMs < 0 {
		timeoutMs = 0
	}

	results, err := iom.react.wait(timeoutMs)
	if err != nil {
		iom.logPollError(err)
	}
	for _, r := range results {
		if r.fd == iom.wake.r {
			iom.wake.drain()
			continue
		}
		ctx := iom.fds.Get(r.fd)
		if ctx == nil {
			continue
		}
		if n := ctx.ch.trigger(r.events, nil); n > 0 {
			iom.pendingEvents.Add(-int64(n))
		}
		iom.syncKernelMask(r.fd, ctx)
	}

	// Timer callbacks always go through the scheduler, never inline on the
	// reactor's stack. During a drain (Stop already called) the queue rejects
	// new work, so fall back to a plain goroutine: a coroutine parked in
	// Sleep or a hook timeout still has to be woken for canStop to converge.
	for _, fn := range iom.timers.Tick(time.Now()) {
		if iom.Schedule(taskFromFunc(fn)) != nil {
			go fn()
		}
	}
}

// syncKernelMask reconciles fd's kernel epoll registration with the events
// still armed on its channel after a dispatch or cancellation: MOD down to
// the remaining mask, or DEL (and forget the registration, so the next
// WaitEvent re-ADDs) once nothing is armed.
func (iom *IOManager) syncKernelMask(fd int, ctx *FdCtx) {
	armed := ctx.ch.Armed()
	ctx.mu.Lock()
	registered := ctx.epollRegistered
	if armed == 0 {
		ctx.epollRegistered = false
	}
	ctx.mu.Unlock()
	if !registered {
		return
	}
	var err error
	if armed == 0 {
		err = iom.react.unregisterFD(fd)
	} else {
		err = iom.react.modifyFD(fd, armed)
	}
	if err != nil && err != ErrReactorClosed {
		iom.logCtlError(fd, err)
	}
}

// logCtlError rate-limits epoll_ctl failure logging the same way
// logPollError bounds epoll_wait failures.
func (iom *IOManager) logCtlError(fd int, err error) {
	if _, ok := iom.errLimiter.Allow(err.Error()); !ok {
		return
	}
	logError(iom.logger, "reactor", "epoll_ctl failed", err, map[string]any{"fd": fd})
}

// logPollError rate-limits repeated reactor error logging via go-catrate,
// keyed by the error's string form, so a persistent epoll_wait failure
// (e.g. EBADF from a concurrently-closed fd slipping through) doesn't flood
// the log at worker-dispatch frequency.
func (iom *IOManager) logPollError(err error) {
	if _, ok := iom.errLimiter.Allow(err.Error()); !ok {
		return
	}
	logError(iom.logger, "reactor", "epoll_wait failed", err, nil)
}

// AddEvent registers fd with the descriptor table and marks it as a
// socket or not (affecting hook-layer semantics, e.g. SO_ERROR checks after
// connect). Sockets are forced non-blocking at the kernel level and inherit
// the manager's default read/write timeouts; both can be adjusted per fd
// afterwards ([IOManager.SetReadTimeout], [IOManager.SetUserNonblock]). It
// does not yet arm any epoll interest; that happens lazily on the first
// WaitEvent.
func (iom *IOManager) AddEvent(fd int, isSocket bool) (*FdCtx, error) {
	if isSocket {
		if err := setNonblock(fd, true); err != nil {
			return nil, err
		}
	}
	ctx, err := iom.fds.Alloc(fd, isSocket)
	if err != nil {
		return nil, err
	}
	if iom.readTimeout > 0 {
		ctx.SetTimeout(false, iom.readTimeout)
	}
	if iom.writeTimeout > 0 {
		ctx.SetTimeout(true, iom.writeTimeout)
	}
	return ctx, nil
}

// WaitEvent arms ev (evRead or evWrite) on fd and returns without blocking;
// a waiter it supersedes is fired immediately with [ErrEventNotArmed]. The
// new waiter is fired when the event becomes ready; in coroutine mode the
// caller parks itself afterwards (hook.go does so via YieldToHold). Exactly
// one of co (coroutine mode) or cb (callback mode) should be supplied by the
// caller; this is invoked by hook.go.
func (iom *IOManager) WaitEvent(fd int, ev ioEvent, co *Coroutine, pin int, cb func(error)) error {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return ErrFDNotRegistered
	}
	if ctx.Closed() {
		return ErrFDClosed
	}

	w := &waiter{sched: iom.Scheduler, co: co, pin: pin, cb: cb}
	prev := ctx.ch.arm(ev, w)
	if prev != nil {
		prev.fire(ErrEventNotArmed)
	} else {
		iom.pendingEvents.Add(1)
	}

	ctx.mu.Lock()
	first := !ctx.epollRegistered
	ctx.epollRegistered = true
	ctx.mu.Unlock()

	armed := ctx.ch.Armed()
	var err error
	if first {
		err = iom.react.registerFD(fd, armed)
	} else {
		err = iom.react.modifyFD(fd, armed)
	}
	if err != nil {
		if ctx.ch.disarm(ev) != nil {
			iom.pendingEvents.Add(-1)
		}
		return err
	}
	return nil
}

// CancelEvent removes ev's waiter (if any) for fd without firing it.
// Returns [ErrEventNotArmed] if nothing was waiting.
func (iom *IOManager) CancelEvent(fd int, ev ioEvent) error {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return ErrFDNotRegistered
	}
	prev := ctx.ch.disarm(ev)
	if prev == nil {
		return ErrEventNotArmed
	}
	iom.pendingEvents.Add(-1)
	iom.syncKernelMask(fd, ctx)
	return nil
}

// expireEvent disarms ev's waiter for fd, if any, and fires it with
// [ErrTimeout]. Unlike CancelEvent (which disarms silently so callers can
// distinguish "nothing was waiting" from "something was cancelled" without
// waking it), this is the hook layer's per-operation timeout path: a
// coroutine parked in waitForEvent must actually be resumed when its
// deadline elapses, or it hangs forever. A nil prev means the event already
// fired (or was cancelled) before the timer got here, so there's nothing to
// wake.
func (iom *IOManager) expireEvent(fd int, ev ioEvent) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return
	}
	if prev := ctx.ch.disarm(ev); prev != nil {
		iom.pendingEvents.Add(-1)
		iom.syncKernelMask(fd, ctx)
		prev.fire(ErrTimeout)
	}
}

// CancelAll cancels every pending waiter on fd, firing each with
// [ErrEventNotArmed]. Used when giving up on a connection without closing
// the fd outright (e.g. resetting read/write deadlines).
func (iom *IOManager) CancelAll(fd int) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return
	}
	if n := ctx.ch.wakeAll(ErrEventNotArmed); n > 0 {
		iom.pendingEvents.Add(-int64(n))
	}
	iom.syncKernelMask(fd, ctx)
}

// RemoveFD unregisters fd from the reactor and descriptor table entirely,
// waking any pending waiters with [ErrFDClosed]. The caller remains
// responsible for closing the underlying fd itself.
func (iom *IOManager) RemoveFD(fd int) error {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return ErrFDNotRegistered
	}
	// Fire the waiters through the channel first so the pending count only
	// drops by what was actually still armed; FdManager.Free's own wakeAll
	// then finds the slots already empty.
	if n := ctx.ch.wakeAll(ErrFDClosed); n > 0 {
		iom.pendingEvents.Add(-int64(n))
	}
	if iom.fds.Free(fd) == nil {
		return ErrFDNotRegistered
	}
	ctx.mu.Lock()
	registered := ctx.epollRegistered
	ctx.mu.Unlock()
	if registered {
		if err := iom.react.unregisterFD(fd); err != nil && err != ErrReactorClosed {
			return err
		}
	}
	return nil
}

// Shutdown stops the scheduler and tears down the reactor and wakeup pipe.
// Safe to call once, after Stop (or instead of it; Shutdown stops the
// scheduler itself). Named distinctly from the per-fd [IOManager.Close]
// hook method (hook.go) rather than overloading Close, since Go permits
// only one method of a given name per receiver type regardless of
// signature.
func (iom *IOManager) Shutdown() error {
	iom.Scheduler.Stop()
	err1 := iom.react.Close()
	err2 := iom.wake.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
