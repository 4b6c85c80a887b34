package fiberio

import (
	"sync"
	"time"
)

// maxFDs bounds the direct-indexed descriptor table: direct indexing trades
// a fixed ~1MB-scale table for O(1) lookup with no map/hashing overhead on
// the hot dispatch path.
const maxFDs = 65536

// FdCtx holds per-descriptor bookkeeping: socket/nonblocking flags, timeout
// configuration, and (via its embedded *fdChannel, see channel.go) the set
// of coroutines currently parked waiting on I/O readiness for this fd.
//
// Lock ordering invariant: a caller may hold FdManager's table RWMutex and
// then acquire ctx.mu (or ch's Spinlock), but never the reverse. This is
// what makes Close-during-concurrent-poll safe.
type FdCtx struct {
	fd int

	mu           sync.Mutex
	isSocket     bool
	sysNonblock  bool // the fd was already O_NONBLOCK before we touched it
	userNonblock bool // the application asked for non-blocking semantics
	closed       bool

	readTimeout  time.Duration
	writeTimeout time.Duration

	epollRegistered bool // whether EPOLL_CTL_ADD has already run for this fd

	ch *fdChannel
}

// IsSocket reports whether this fd was registered as a socket.
func (c *FdCtx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// UserNonblock reports whether the application explicitly requested
// non-blocking semantics (distinct from SysNonblock, which is the kernel
// O_NONBLOCK state we imposed to make hooking possible).
func (c *FdCtx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetUserNonblock records the application's desired non-blocking mode.
// This does not itself touch the kernel flag: the hook layer always runs
// the fd non-blocking at the syscall level and emulates blocking semantics
// cooperatively when userNonblock is false.
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// SetTimeout sets the read or write deadline duration (0 disables).
func (c *FdCtx) SetTimeout(write bool, d time.Duration) {
	c.mu.Lock()
	if write {
		c.writeTimeout = d
	} else {
		c.readTimeout = d
	}
	c.mu.Unlock()
}

// Timeout returns the configured read or write deadline duration.
func (c *FdCtx) Timeout(write bool) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if write {
		return c.writeTimeout
	}
	return c.readTimeout
}

// Closed reports whether Close has been called for this fd's FdCtx.
func (c *FdCtx) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FdManager is the direct-indexed descriptor table shared by an
// [IOManager] and the hook layer: a flat array of per-fd context objects
// behind a single RWMutex.
type FdManager struct {
	mu  sync.RWMutex
	fds [maxFDs]*FdCtx
}

// NewFdManager creates an empty descriptor table.
func NewFdManager() *FdManager {
	return &FdManager{}
}

// Alloc creates and registers a new FdCtx for fd. Returns
// [ErrFDAlreadyRegistered] if fd already has a live context.
func (m *FdManager) Alloc(fd int, isSocket bool) (*FdCtx, error) {
	if fd < 0 || fd >= maxFDs {
		return nil, ErrFDOutOfRange
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fds[fd] != nil {
		return nil, ErrFDAlreadyRegistered
	}
	ctx := &FdCtx{fd: fd, isSocket: isSocket, ch: newFdChannel(fd)}
	m.fds[fd] = ctx
	return ctx, nil
}

// Get returns the FdCtx for fd, or nil if unregistered.
func (m *FdManager) Get(fd int) *FdCtx {
	if fd < 0 || fd >= maxFDs {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fds[fd]
}

// Free marks ctx closed and removes it from the table. Safe to call
// concurrently with in-flight I/O on the same fd: waiters parked on the
// FdCtx's channel are woken with [ErrFDClosed].
func (m *FdManager) Free(fd int) *FdCtx {
	if fd < 0 || fd >= maxFDs {
		return nil
	}
	m.mu.Lock()
	ctx := m.fds[fd]
	m.fds[fd] = nil
	m.mu.Unlock()

	if ctx != nil {
		ctx.mu.Lock()
		ctx.closed = true
		ctx.mu.Unlock()
		ctx.ch.wakeAll(ErrFDClosed)
	}
	return ctx
}
