package fiberio

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Mutex is a thin alias of sync.Mutex, kept as a named type so call sites
// read as fiberio's own Mutex/RWMutex/Spinlock/Semaphore primitive family
// while deferring to the Go runtime's battle-tested futex-based
// implementation rather than reinventing one.
type Mutex = sync.Mutex

// RWMutex is a thin alias of sync.RWMutex.
type RWMutex = sync.RWMutex

// Spinlock is a CAS busy-wait lock for sections expected to be held for at
// most a handful of instructions (e.g. the per-fd waiter list guard in
// channel.go). Unlike [Mutex] it never parks the calling goroutine, trading
// OS-level fairness for lower latency under low contention.
//
// Lock ordering invariant (see fdtable.go/channel.go): a goroutine holding
// an FdManager-level RWMutex may acquire a Spinlock, but never the reverse.
type Spinlock struct {
	state atomic.Bool
}

// Lock busy-waits until the lock is acquired, yielding the processor between
// attempts via runtime.Gosched to avoid pathological livelock against the Go
// scheduler under GOMAXPROCS=1.
func (s *Spinlock) Lock() {
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without blocking.
func (s *Spinlock) TryLock() bool {
	return s.state.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an unlocked Spinlock is a bug and
// panics, matching sync.Mutex's own misuse behaviour.
func (s *Spinlock) Unlock() {
	if !s.state.CompareAndSwap(true, false) {
		panic("fiberio: unlock of unlocked Spinlock")
	}
}

// Semaphore is a counting semaphore built on a buffered channel. The
// scheduler and its workers do not use it.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given number of initial
// permits.
func NewSemaphore(permits int) *Semaphore {
	if permits < 0 {
		permits = 0
	}
	s := &Semaphore{ch: make(chan struct{}, permits)}
	for i := 0; i < permits; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// Acquire blocks until a permit is available.
func (s *Semaphore) Acquire() { <-s.ch }

// TryAcquire attempts to acquire a permit without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Release returns a permit to the semaphore.
func (s *Semaphore) Release() { s.ch <- struct{}{} }
