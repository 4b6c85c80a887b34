package fiberio

import (
	"runtime/debug"
	"sync/atomic"
)

// yieldResult is what a parked coroutine goroutine hands back to whoever is
// blocked in Resume: either a yielded value, or a terminal outcome.
type yieldResult struct {
	val  any
	done bool
	err  error
}

var coroutineIDs AtomicCounter[int64]

// Coroutine is a stackful cooperative task built on a Go goroutine and a
// pair of unbuffered channels performing the resume/yield handshake. Go
// gives no portable way to allocate a raw stack and swap machine contexts
// without cgo or assembly, but a parked goroutine blocked on a channel recv
// is functionally equivalent for cooperative scheduling purposes: it
// consumes no CPU while held, resumes exactly where it left off, and
// preserves full Go call-stack state (including defers) across a yield.
//
// The lifecycle follows state.go's CoroState machine:
// INIT -> EXEC -> HOLD -> EXEC -> ... -> TERM | EXCEPT.
type Coroutine struct {
	id       int64
	name     string
	state    *FastState
	fn       func(*Coroutine) error
	resumeCh chan any
	yieldCh  chan yieldResult

	stackHint int
	err       error // valid once state is terminal

	workerID atomic.Int32 // set just before each Resume; see WorkerID
}

// NewCoroutine creates a coroutine wrapping fn. fn receives the Coroutine
// itself so it can call [Coroutine.Yield]/[Coroutine.YieldToHold]. The
// coroutine does not start running until the first [Coroutine.Resume].
func NewCoroutine(fn func(co *Coroutine) error, opts ...CoroutineOption) *Coroutine {
	cfg, err := resolveCoroutineOptions(opts)
	if err != nil {
		// options in this package never actually fail; guard for future options.
		panic(err)
	}
	c := &Coroutine{
		id:        coroutineIDs.Next(),
		name:      cfg.name,
		state:     NewFastState(StateInit),
		fn:        fn,
		resumeCh:  make(chan any),
		yieldCh:   make(chan yieldResult),
		stackHint: cfg.stackHint,
	}
	c.workerID.Store(-1) // 0 is a valid worker index; -1 means "never dispatched"
	return c
}

// ID returns the coroutine's unique, process-lifetime id.
func (c *Coroutine) ID() int64 { return c.id }

// Name returns the coroutine's diagnostic name, or "" if unset.
func (c *Coroutine) Name() string { return c.name }

// StackHint returns the advisory stack size, in bytes, passed via
// [WithStackHint]. Purely informational: Go goroutine stacks grow and
// shrink automatically.
func (c *Coroutine) StackHint() int { return c.stackHint }

// WorkerID returns the index of the worker currently (or most recently)
// resuming this coroutine, or -1 if it has never been dispatched through a
// [Scheduler] (e.g. driven directly by calling Resume by hand).
//
// This is how fn pins its own self-reschedule to "whichever worker I'm
// running on" without a package-level current-worker global: the scheduler
// stores its worker index here right before each Resume (see Task.run),
// and fn (which already holds co) reads it back directly, the same
// explicit-threading idiom used throughout the package.
func (c *Coroutine) WorkerID() int { return int(c.workerID.Load()) }

// bindWorker records workerID as the worker currently resuming c. Called by
// Task.run immediately before Resume; safe without further synchronization
// because only one worker may be resuming a given coroutine at a time (the
// state CAS in Resume enforces that).
func (c *Coroutine) bindWorker(workerID int) { c.workerID.Store(int32(workerID)) }

// State returns the coroutine's current lifecycle state.
func (c *Coroutine) State() CoroState { return CoroState(c.state.Load()) }

// Reset re-initializes a finished (or never-started) coroutine with a new
// entry function, keeping its identity (id, name, stack hint) so a pool of
// coroutine objects can be recycled across tasks. Valid only in StateInit,
// StateTerm or StateExcept; returns [ErrCoroutineRunning] otherwise.
func (c *Coroutine) Reset(fn func(co *Coroutine) error) error {
	ok := c.state.CASAny([]uint32{
		uint32(StateInit), uint32(StateTerm), uint32(StateExcept),
	}, uint32(StateInit))
	if !ok {
		return ErrCoroutineRunning
	}
	c.fn = fn
	c.err = nil
	// Fresh handshake channels: the previous goroutine (if any) has fully
	// unwound, but its channels may still be referenced by a stale caller.
	c.resumeCh = make(chan any)
	c.yieldCh = make(chan yieldResult)
	return nil
}

// Err returns the terminal error, if any: the error returned by fn on
// normal completion (may be nil), or a [*PanicError] if fn panicked. Valid
// only once State().IsTerminal().
func (c *Coroutine) Err() error { return c.err }

// Resume runs the coroutine until it yields or terminates. arg is delivered
// to the coroutine as the return value of the Yield call it is parked in
// (ignored on the first Resume, which instead starts fn).
//
// Returns the yielded value and done=false if the coroutine yielded again;
// done=true with the terminal error (nil on ordinary completion) once the
// coroutine has run to completion or panicked.
func (c *Coroutine) Resume(arg any) (yielded any, done bool, err error) {
	for {
		switch CoroState(c.state.Load()) {
		case StateInit:
			if c.state.CAS(uint32(StateInit), uint32(StateExec)) {
				go c.trampoline(arg)
				return c.wait()
			}
		case StateHold:
			if c.state.CAS(uint32(StateHold), uint32(StateExec)) {
				c.resumeCh <- arg
				return c.wait()
			}
		case StateReady:
			if c.state.CAS(uint32(StateReady), uint32(StateExec)) {
				c.resumeCh <- arg
				return c.wait()
			}
		case StateTerm, StateExcept:
			return nil, true, ErrCoroutineTerminated
		default: // StateExec
			return nil, false, ErrCoroutineRunning
		}
	}
}

func (c *Coroutine) wait() (any, bool, error) {
	res := <-c.yieldCh
	if res.done {
		return nil, true, res.err
	}
	return res.val, false, nil
}

// trampoline runs fn on a dedicated goroutine, recovering any panic into a
// terminal [*PanicError] so a single misbehaving coroutine cannot crash the
// worker thread that resumed it.
func (c *Coroutine) trampoline(arg any) {
	defer func() {
		if r := recover(); r != nil {
			c.err = &PanicError{Value: r, Stack: debug.Stack()}
			c.state.Store(uint32(StateExcept))
			c.yieldCh <- yieldResult{done: true, err: c.err}
		}
	}()
	_ = arg
	err := c.fn(c)
	c.err = err
	c.state.Store(uint32(StateTerm))
	c.yieldCh <- yieldResult{done: true, err: err}
}

// Yield parks the running coroutine, handing val back to whoever called
// Resume, and blocks until the next Resume call delivers its argument.
// Must be called from inside fn, on the coroutine's own goroutine.
func (c *Coroutine) Yield(val any) any {
	return c.yieldWithHook(val, nil)
}

// yieldWithHook is Yield plus an optional onParked callback invoked after
// state has transitioned to StateHold but before the yieldCh handshake
// completes. This is the only safe window for a caller (Scheduler.Yield) to
// arrange a future Resume: any earlier and a fast-dequeuing worker could
// observe StateExec and have its Resume silently no-op (the CAS in Resume's
// StateHold case requires the state to already be Hold); any later and the
// caller has already blocked waiting to be resumed, so there is no "later"
// from its own goroutine.
func (c *Coroutine) yieldWithHook(val any, onParked func()) any {
	return c.yieldAs(StateHold, val, onParked)
}

// yieldAs is the shared park path. state distinguishes a cooperative yield
// that has already been re-enqueued (StateReady) from one whose resume will
// be driven externally by an I/O or timer event (StateHold); both are
// accepted by Resume.
func (c *Coroutine) yieldAs(state CoroState, val any, onParked func()) any {
	c.state.Store(uint32(state))
	if onParked != nil {
		onParked()
	}
	c.yieldCh <- yieldResult{val: val}
	return <-c.resumeCh
}

// YieldToHold parks the coroutine with no value: used when the coroutine is
// blocked waiting on an external event (I/O readiness, a timer) rather than
// cooperatively giving up a still-runnable turn. The caller is responsible
// for arranging the eventual Resume (see channel.go/iomanager.go).
// YieldToHold returns whatever value the eventual Resume call supplies
// (typically an error from the event that woke it, or nil), so callers
// like the hook layer can distinguish "ready", "timed out" and "closed"
// without a separate channel.
func (c *Coroutine) YieldToHold() any {
	return c.Yield(nil)
}
