package fiberio

import "sync/atomic"

// Integer is the set of integer kinds usable with [AtomicCounter].
type Integer interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64 | ~uintptr
}

// AtomicCounter is a generic lock-free counter, used throughout the package
// for id generation (coroutine/timer ids), queue-depth bookkeeping, and
// epoch/version stamps.
//
// PERFORMANCE: pure atomic ops, no mutex, cache-line padded to avoid false
// sharing when multiple counters are embedded adjacently in a hot struct.
type AtomicCounter[T Integer] struct { // betteralign:ignore
	_ [64]byte //nolint:unused
	v atomic.Uint64
	_ [56]byte //nolint:unused
}

// Add adds delta and returns the new value.
func (c *AtomicCounter[T]) Add(delta T) T {
	return T(c.v.Add(uint64(delta)))
}

// Load returns the current value.
func (c *AtomicCounter[T]) Load() T {
	return T(c.v.Load())
}

// Store sets the value unconditionally.
func (c *AtomicCounter[T]) Store(val T) {
	c.v.Store(uint64(val))
}

// Next is a convenience for the common "allocate the next id" pattern:
// increments and returns the post-increment value. Ids start at 1 so the
// zero value is reserved as "unassigned".
func (c *AtomicCounter[T]) Next() T {
	return T(c.v.Add(1))
}

// CompareAndSwap performs an atomic CAS.
func (c *AtomicCounter[T]) CompareAndSwap(old, new T) bool {
	return c.v.CompareAndSwap(uint64(old), uint64(new))
}
