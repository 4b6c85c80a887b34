package fiberio

import (
	"runtime"
	"sync"
	"sync/atomic"
)

func defaultWorkerCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return n
}

// Scheduler is an N:M task dispatcher: a fixed pool of OS-thread [worker]s
// pulling [Task] values off a shared FIFO [TaskQueue], idling on a
// mutex+condvar when there is nothing to take.
//
// idleHook/tickleHook/canStop are the scheduler's only extension points:
// [IOManager] overrides them to block in epoll_wait instead of on the
// condition variable, to additionally write to a wakeup pipe, and to hold
// the drain open while I/O waiters or timers are still armed, while reusing
// every other piece of Scheduler unchanged.
type Scheduler struct {
	name   string
	logger Logger

	mu    sync.Mutex
	cond  *sync.Cond
	queue *TaskQueue

	workers     []*worker
	state       *FastState // RunState
	attachAllow bool

	// activeWorkers counts workers (fixed pool or ad-hoc, via
	// AttachCallingThread) currently executing a task body, as opposed to
	// parked in idleHook: a worker deciding whether the scheduler can stop
	// must also know whether some OTHER worker is still mid-task and might
	// yet arm new work.
	activeWorkers atomic.Int32

	idleHook   func(workerID int) // called with mu held; must return with mu held
	tickleHook func()             // called with mu NOT held
	canStop    func() bool        // called with mu held; default always true
}

// ActiveWorkers returns how many workers are currently executing a task
// body rather than parked waiting for one.
func (s *Scheduler) ActiveWorkers() int { return int(s.activeWorkers.Load()) }

// NewScheduler creates a Scheduler with the given options, but does not
// start its workers; call [Scheduler.Start].
func NewScheduler(opts ...SchedulerOption) (*Scheduler, error) {
	cfg, err := resolveSchedulerOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		name:        cfg.name,
		logger:      cfg.logger,
		queue:       NewTaskQueue(cfg.queueHint),
		state:       NewFastState(RunAwake),
		attachAllow: cfg.attachAllow,
	}
	s.cond = sync.NewCond(&s.mu)
	s.idleHook = func(int) { s.cond.Wait() }
	s.tickleHook = func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	s.canStop = func() bool { return true }
	s.workers = make([]*worker, cfg.workers)
	for i := range s.workers {
		s.workers[i] = newWorker(i, s)
	}
	return s, nil
}

// Start launches the worker pool. Start is idempotent once RunRunning.
func (s *Scheduler) Start() {
	if !s.state.CAS(uint32(RunAwake), uint32(RunRunning)) {
		return
	}
	for _, w := range s.workers {
		go w.run()
	}
}

// Stop signals all workers to drain the remaining queue and exit, then
// blocks until they have. Safe to call more than once.
//
// The wakeup goes through tickleHook rather than a bare cond.Broadcast, so
// an IOManager's reactor worker (parked in epoll_wait, not on the condition
// variable) notices the state change immediately instead of waiting out its
// epoll timeout; it then re-evaluates canStop itself on every idle pass.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	st := RunState(s.state.Load())
	if st == RunStopping || st == RunStopped {
		s.mu.Unlock()
		return
	}
	if st == RunAwake {
		// Never started: there are no worker loops to drain or join.
		s.state.Store(uint32(RunStopped))
		s.mu.Unlock()
		return
	}
	s.state.Store(uint32(RunStopping))
	s.mu.Unlock()
	s.tickleHook()

	for _, w := range s.workers {
		<-w.done
	}
	s.state.Store(uint32(RunStopped))
}

// Schedule enqueues t for execution by the next available worker. Empty
// tasks (neither Fn nor Coro) are dropped without error. Returns
// [ErrSchedulerClosed] once Stop has been called.
func (s *Scheduler) Schedule(t Task) error {
	if t.empty() {
		return nil
	}
	s.mu.Lock()
	st := RunState(s.state.Load())
	if st == RunStopping || st == RunStopped {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.queue.Push(t)
	s.mu.Unlock()
	s.tickleHook()
	return nil
}

// ScheduleAll enqueues a batch of tasks under a single lock acquisition,
// tickling once if anything was actually pushed. Empty tasks are skipped.
func (s *Scheduler) ScheduleAll(tasks []Task) error {
	s.mu.Lock()
	st := RunState(s.state.Load())
	if st == RunStopping || st == RunStopped {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	pushed := false
	for _, t := range tasks {
		if t.empty() {
			continue
		}
		s.queue.Push(t)
		pushed = true
	}
	s.mu.Unlock()
	if pushed {
		s.tickleHook()
	}
	return nil
}

// Submit is a convenience wrapper scheduling a plain callback with no
// worker affinity.
func (s *Scheduler) Submit(fn func()) error {
	return s.Schedule(taskFromFunc(fn))
}

// ScheduleCoroutine enqueues co for resumption. pin restricts dispatch to a
// specific worker index, or -1 for any worker.
func (s *Scheduler) ScheduleCoroutine(co *Coroutine, pin int) error {
	return s.Schedule(taskFromCoroutine(co, pin))
}

// Yield parks co (via [Coroutine.Yield]) and, if reschedule is true,
// re-enqueues it the instant it has actually parked, so another worker (or
// this one) resumes it later: the cooperative-yield counterpart
// ("sched_yield") to [Coroutine.YieldToHold], which parks without
// re-enqueuing because the resume will instead be driven externally (by an
// I/O or timer event).
func (s *Scheduler) Yield(co *Coroutine, val any, reschedule bool) any {
	if !reschedule {
		return co.Yield(val)
	}
	return co.yieldAs(StateReady, val, func() {
		_ = s.Schedule(taskFromCoroutine(co, -1))
	})
}

// AttachCallingThread starts an additional ad-hoc worker on a new goroutine,
// participating in the same dequeue loop as the fixed pool, until the
// scheduler stops or until stop (the returned func) is called; stop waits
// for that worker to exit. It returns immediately: the calling goroutine
// does not itself become a worker, and the ad-hoc worker is not locked to an
// OS thread. Requires [WithCallerAttach](true); otherwise returns false.
func (s *Scheduler) AttachCallingThread() (stop func(), ok bool) {
	if !s.attachAllow {
		return nil, false
	}
	id := -1 // ad-hoc workers are not part of the fixed pin-able pool
	quit := make(chan struct{})
	done := make(chan struct{})
	detached := func() bool {
		select {
		case <-quit:
			return true
		default:
			return false
		}
	}
	go func() {
		defer close(done)
		for {
			t, ok := s.dequeueWith(id, detached)
			if !ok {
				return
			}
			s.activeWorkers.Add(1)
			func() {
				defer s.activeWorkers.Add(-1)
				defer func() {
					if r := recover(); r != nil {
						logWarn(s.logger, "scheduler", "task panicked on attached thread", map[string]any{
							"panic": r,
						})
					}
				}()
				t.run(id)
			}()
		}
	}()
	return func() {
		close(quit)
		s.tickleHook()
		<-done
	}, true
}

// dequeue pops the oldest task this worker may take: one whose pin matches
// workerID, or is unpinned. Tasks pinned to other workers are skipped in
// place (they keep their queue position but never block this worker's
// throughput) and their owners are tickled so a pinned task stuck behind an
// idle pool is noticed promptly. Parks via idleHook when there is nothing
// this worker may take. Returns ok=false once the scheduler has stopped and
// the queue has fully drained.
func (s *Scheduler) dequeue(workerID int) (Task, bool) {
	return s.dequeueWith(workerID, nil)
}

// dequeueWith is dequeue plus an optional cancellation predicate, checked on
// every pass so an ad-hoc attached thread (whose exit is driven by its stop
// func, not the scheduler's run state) can leave a parked wait promptly once
// tickled.
func (s *Scheduler) dequeueWith(workerID int, cancelled func() bool) (Task, bool) {
	s.mu.Lock()
	tickledAt := -1
	for {
		if cancelled != nil && cancelled() {
			s.mu.Unlock()
			return Task{}, false
		}
		t, ok, skipped := s.queue.PopMatch(workerID)
		if ok {
			s.mu.Unlock()
			if skipped {
				s.tickleHook()
			}
			return t, true
		}
		// Everything left is pinned elsewhere (or the queue is empty). Wake
		// the pinned owners once per queue state; re-tickling every time a
		// broadcast wakes us would have idle workers ping-ponging wakeups at
		// each other for as long as a pinned owner stays busy.
		if skipped && s.queue.Len() != tickledAt {
			tickledAt = s.queue.Len()
			s.mu.Unlock()
			s.tickleHook()
			s.mu.Lock()
		}
		// Only exit the drain loop once stopped AND canStop reports no
		// outstanding work (armed I/O waiters, pending timers, other
		// workers still mid-task for an IOManager; always true for a bare
		// Scheduler). Otherwise fall through to idleHook so a still-running
		// reactor (or cond.Wait) actually blocks instead of busy-spinning
		// on a canStop() that isn't true yet.
		if RunState(s.state.Load()) != RunRunning && s.canStop() {
			s.mu.Unlock()
			return Task{}, false
		}
		s.idleHook(workerID)
	}
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// State returns the scheduler's current run state.
func (s *Scheduler) State() RunState { return RunState(s.state.Load()) }

// Workers returns the number of fixed pool workers.
func (s *Scheduler) Workers() int { return len(s.workers) }
