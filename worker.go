package fiberio

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// worker is one fixed OS thread in a [Scheduler]'s pool. Each worker pins
// its dispatch goroutine to its OS thread via runtime.LockOSThread, so a
// coroutine that relies on thread-local state sees a stable thread across
// consecutive resumes scheduled onto the same worker. tid records the
// worker's kernel-level thread id once its dispatch goroutine has locked to
// it; 0 until then.
type worker struct {
	id    int
	sched *Scheduler
	done  chan struct{}
	tid   atomic.Int32
}

func newWorker(id int, s *Scheduler) *worker {
	return &worker{id: id, sched: s, done: make(chan struct{})}
}

// TID returns the worker's kernel thread id, or 0 if its dispatch loop has
// not started yet.
func (w *worker) TID() int32 { return w.tid.Load() }

// run is the worker's dispatch loop: LockOSThread, then repeatedly pop and
// execute tasks, parking (via the scheduler's idle hook) when the queue is
// empty.
func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	w.tid.Store(int32(unix.Gettid()))
	logDebug(w.sched.logger, "scheduler", "worker dispatch loop started", map[string]any{
		"worker": w.id,
		"tid":    w.tid.Load(),
	})

	// Cooperative I/O is on by default (hook.go's init); the flag is
	// process-wide, so the dispatch loop leaves it as the application set
	// it rather than re-enabling it each time a worker starts.

	for {
		t, ok := w.sched.dequeue(w.id)
		if !ok {
			// Scheduler stopped and drained. Cascade the wake: siblings
			// still parked in cond.Wait or epoll_wait re-evaluate canStop
			// now instead of waiting out their current idle pass.
			w.sched.tickleHook()
			return
		}
		w.exec(t)
	}
}

func (w *worker) exec(t Task) {
	w.sched.activeWorkers.Add(1)
	defer w.sched.activeWorkers.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			logError(w.sched.logger, "scheduler", "task panicked", nil, map[string]any{
				"worker": w.id,
				"panic":  r,
			})
		}
	}()
	t.run(w.id)
}
