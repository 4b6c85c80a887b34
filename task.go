package fiberio

import "runtime"

// Task is a unit of work dispatched by a [Scheduler] worker. Exactly one of
// Fn or Coro is set: Fn for a plain callback, Coro to resume a [Coroutine]
// (the first Resume of a fresh coroutine starts it). A
// Task with neither set is ignored by Schedule and doubles as the hole
// marker left behind when TaskQueue.PopMatch removes a task mid-chunk.
//
// Pin optionally restricts dispatch to a specific worker (identified by its
// 0-based index within the pool): the "stick this task to worker N"
// affinity knob, for coroutines whose work is tied to state owned by one
// worker.
type Task struct {
	Fn   func()
	Coro *Coroutine
	Arg  any // delivered as the Resume argument when Coro is set
	Pin  int // -1 means "any worker"
}

// empty reports whether the task carries no work (neither Fn nor Coro).
func (t Task) empty() bool { return t.Fn == nil && t.Coro == nil }

// run executes the task body on behalf of workerID (-1 for an ad-hoc
// attached thread; see Scheduler.AttachCallingThread). Panics are recovered
// by the caller (worker.go) so one failing task never brings down its
// worker thread.
func (t Task) run(workerID int) {
	if t.Coro != nil {
		t.Coro.bindWorker(workerID)
		resumeParked(t.Coro, t.Arg)
		return
	}
	if t.Fn != nil {
		t.Fn()
	}
}

// resumeParked resumes co with arg, retrying while co is still mid-yield: a
// readiness event or timer can fire in the window after co armed its wakeup
// but before its YieldToHold handshake actually parked it, in which case
// Resume observes StateExec and refuses. The park is at most a few
// instructions away on another thread, so the retry converges immediately.
func resumeParked(co *Coroutine, arg any) {
	for {
		if _, _, err := co.Resume(arg); err != ErrCoroutineRunning {
			return
		}
		runtime.Gosched()
	}
}

func taskFromFunc(fn func()) Task { return Task{Fn: fn, Pin: -1} }

func taskFromCoroutine(c *Coroutine, pin int) Task { return Task{Coro: c, Pin: pin} }
