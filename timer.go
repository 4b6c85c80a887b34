package fiberio

import (
	"container/heap"
	"sync"
	"time"
	"weak"
)

// TimerID uniquely identifies a [Timer] for the lifetime of its
// [TimerManager].
type TimerID int64

// Timer is a scheduled callback: one-shot or periodic, with optional
// "conditional" semantics (fires only if some other object is still
// referenced).
type Timer struct {
	id        TimerID
	deadline  time.Time
	interval  time.Duration // the interval deadline was last computed from
	period    time.Duration // 0 = one-shot
	fn        func()
	cond      weak.Pointer[byte] // zero value (nil target) => unconditional
	hasCond   bool
	cancelled bool
	index     int // heap.Interface bookkeeping
}

// ID returns the timer's id.
func (t *Timer) ID() TimerID { return t.id }

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// maxReactorTimeout bounds the idle wait handed to epoll_wait even when no
// timer is pending, so a stop request (or a missed wakeup from a clock
// anomaly) is noticed within a bounded interval.
const maxReactorTimeout = 3 * time.Second

// TimerManager is a min-heap of pending [Timer]s, guarded by its own mutex
// so it composes independently of [Scheduler]'s queue lock.
type TimerManager struct {
	mu        sync.Mutex
	h         timerHeap
	ids       AtomicCounter[int64]
	lastNow   time.Time
	tolerance time.Duration
	logger    Logger

	// onInsertedAtFront is invoked (outside the lock) whenever a newly
	// added timer becomes the new earliest deadline: the IOManager uses it
	// to tickle the reactor so a sleeping epoll_wait's timeout shrinks
	// rather than waiting out its previous (longer) bound.
	onInsertedAtFront func()
}

// NewTimerManager creates an empty timer manager. tolerance bounds how far
// the monotonic clock may appear to move backwards between Tick calls
// before it is treated as a rollback (see Tick); 0 or negative selects the
// default of one hour, large enough that a monotonic source never trips it.
func NewTimerManager(tolerance time.Duration, logger Logger) *TimerManager {
	if tolerance <= 0 {
		tolerance = time.Hour
	}
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &TimerManager{tolerance: tolerance, logger: logger}
}

// Add schedules fn to run after d (period=0) or every period starting after
// d (period>0).
func (m *TimerManager) Add(d time.Duration, period time.Duration, fn func()) *Timer {
	return m.add(d, period, fn, weak.Pointer[byte]{}, false)
}

// AddConditional schedules fn after d, but only actually invokes it if cond
// is still reachable (has not been garbage collected) at fire time: instead
// of requiring an explicit Cancel call when the owning object goes away,
// the timer self-cancels once nothing else references cond.
func (m *TimerManager) AddConditional(d time.Duration, cond *byte, fn func()) *Timer {
	return m.add(d, 0, fn, weak.Make(cond), true)
}

func (m *TimerManager) add(d, period time.Duration, fn func(), cond weak.Pointer[byte], hasCond bool) *Timer {
	t := &Timer{
		id:       TimerID(m.ids.Next()),
		deadline: time.Now().Add(d),
		interval: d,
		period:   period,
		fn:       fn,
		cond:     cond,
		hasCond:  hasCond,
	}
	m.mu.Lock()
	heap.Push(&m.h, t)
	isFront := t.index == 0
	m.mu.Unlock()
	if isFront && m.onInsertedAtFront != nil {
		m.onInsertedAtFront()
	}
	return t
}

// Cancel removes t if still pending. Returns false if it already fired or
// was already cancelled.
func (m *TimerManager) Cancel(t *Timer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.index < 0 || t.index >= len(m.h) || m.h[t.index] != t {
		return false
	}
	heap.Remove(&m.h, t.index)
	t.cancelled = true
	return true
}

// Refresh resets t's deadline to now()+interval, where interval is the
// duration it was last (re)armed with. Returns false if t is not currently
// pending.
func (m *TimerManager) Refresh(t *Timer) bool {
	return m.reset(t, t.interval, true)
}

// Reset changes t's interval to newInterval and recomputes its deadline:
// with fromNow=true the new deadline anchors on the current time; otherwise it
// anchors on t's original start time (its previous deadline minus its
// previous interval), so a timer already partway through its current
// period is rebased rather than simply extended. Returns false if t is not
// currently pending.
func (m *TimerManager) Reset(t *Timer, newInterval time.Duration, fromNow bool) bool {
	return m.reset(t, newInterval, fromNow)
}

func (m *TimerManager) reset(t *Timer, newInterval time.Duration, fromNow bool) bool {
	m.mu.Lock()
	if t.index < 0 || t.index >= len(m.h) || m.h[t.index] != t {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.h, t.index)

	anchor := time.Now()
	if !fromNow {
		anchor = t.deadline.Add(-t.interval)
	}
	t.deadline = anchor.Add(newInterval)
	t.interval = newInterval
	if t.period > 0 {
		t.period = newInterval
	}
	heap.Push(&m.h, t)
	isFront := t.index == 0
	m.mu.Unlock()

	if isFront && m.onInsertedAtFront != nil {
		m.onInsertedAtFront()
	}
	return true
}

// NextTimeout returns how long the caller may sleep before the earliest
// timer needs attention, bounded by maxReactorTimeout, and false if there
// are no pending timers (in which case the bound itself should be used as
// the sleep ceiling).
func (m *TimerManager) NextTimeout(now time.Time) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.h) == 0 {
		return maxReactorTimeout, false
	}
	d := m.h[0].deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	if d > maxReactorTimeout {
		d = maxReactorTimeout
	}
	return d, true
}

// Tick pops and returns every timer due at or before now, re-arming
// periodic timers for their next deadline. If now appears to be before
// lastNow by more than the configured tolerance, every pending timer is
// treated as due immediately (clock rollback recovery) and
// [ErrClockRolledBack] is logged.
func (m *TimerManager) Tick(now time.Time) []func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	rolledBack := !m.lastNow.IsZero() && now.Before(m.lastNow.Add(-m.tolerance))
	if rolledBack && m.logger.IsEnabled(LevelWarn) {
		m.logger.Log(LogEntry{
			Level:     LevelWarn,
			Category:  "timer",
			Message:   "clock rollback detected, firing all pending timers",
			Err:       ErrClockRolledBack,
			Context:   map[string]any{"pending": len(m.h)},
			Timestamp: now,
		})
	}
	m.lastNow = now

	var due []func()
	var rearm []*Timer
	for len(m.h) > 0 && (rolledBack || !m.h[0].deadline.After(now)) {
		t := heap.Pop(&m.h).(*Timer)
		if t.cancelled {
			continue
		}
		if t.hasCond && t.cond.Value() == nil {
			continue // referenced object collected; skip silently
		}
		due = append(due, t.fn)
		if t.period > 0 {
			t.deadline = now.Add(t.period)
			rearm = append(rearm, t)
		}
	}
	// Reinsert periodic timers only after the harvest loop: pushing them
	// back mid-loop during a rollback pass (which drains unconditionally)
	// would pop them straight back out again.
	for _, t := range rearm {
		heap.Push(&m.h, t)
	}
	return due
}

// Len returns the number of pending timers.
func (m *TimerManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.h)
}
