// Package fiberio provides a user-space, N:M concurrency runtime for Linux:
// stackful coroutines multiplexed over a fixed pool of OS-thread workers, an
// edge-triggered epoll I/O reactor, a min-heap timer wheel, and a cooperative
// hook layer that lets ordinary blocking-style calls (read, write, accept,
// connect, sleep) transparently yield the running coroutine instead of the
// underlying OS thread.
//
// # Architecture
//
// A [Scheduler] owns a fixed pool of worker OS threads (each pinned via
// runtime.LockOSThread) and a FIFO [Task] queue. A [Coroutine] is scheduled
// onto a worker, runs until it calls Yield (directly, or indirectly via the
// hook layer), and is handed back to the queue when resumable.
//
// [IOManager] extends Scheduler with an edge-triggered epoll reactor
// (poller_linux.go) and a [Timer] min-heap (timer.go). Its idle loop is the
// Scheduler's idle hook: when the task queue is empty it blocks in
// epoll_wait, bounded by the next timer deadline, and is woken early by
// writes to a dedicated pipe (wakeup_linux.go).
//
// The hook layer (hook.go) is the idiomatic-Go rendition of transparent
// syscall interception: Go programs cannot override libc symbol resolution
// via dlsym(RTLD_NEXT, ...) the way a C runtime can, so hooked operations
// are exposed as an explicit opt-in API operating on
// non-blocking file descriptors registered with an IOManager, instead of
// monkey-patching net.Conn/os.File. Any coroutine running under a Scheduler
// gets cooperative, non-blocking semantics for these calls for free; code
// that never imports the hook layer sees no behavioural change at all.
//
// # Thread Safety
//
// Scheduler, IOManager, Timer and FdManager methods are safe for concurrent
// use from any goroutine. A Coroutine's Resume/Yield handshake is NOT safe
// for concurrent Resume calls from multiple callers; it is intended to be
// driven by exactly one scheduler worker at a time, per the coroutine's own
// state machine (see state.go).
//
// # Platform Support
//
// This package is Linux-only: the reactor is built on epoll (poller_linux.go)
// and a pipe-based wakeup mechanism (wakeup_linux.go). There is no portable
// fallback, matching the scope of the system this package implements.
package fiberio
