package fiberio

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// hookEnabled is the process-wide cooperative-I/O kill switch. A
// per-OS-thread flag would be the natural granularity if blocking syscalls
// were made directly on worker threads, but here a coroutine's body runs on
// its own parked goroutine (coroutine.go), which the Go runtime is free to
// schedule onto any OS thread, so there is no stable per-thread slot to key
// a flag on without re-deriving exactly the explicit-opt-in plumbing every
// hook.go method already requires via its co parameter. SetHookEnabled is
// therefore a single global switch: disabling it makes every hook method
// degrade to a single unhooked syscall, which is the one part of "disabled"
// that is meaningful process-wide (e.g. tests asserting
// fallback-to-raw-semantics behavior, or a process shutting down its
// cooperative I/O ahead of an os.Exit).
var hookEnabled atomic.Bool

func init() { hookEnabled.Store(true) }

// SetHookEnabled toggles the cooperative-I/O kill switch process-wide.
func SetHookEnabled(enabled bool) { hookEnabled.Store(enabled) }

// HookEnabled reports whether cooperative I/O is currently enabled.
func HookEnabled() bool { return hookEnabled.Load() }

// doIO is the cooperative-I/O retry loop shared by every hooked operation:
// run op; on EINTR retry immediately; on EAGAIN/EWOULDBLOCK, arm ev for fd,
// park co, and retry once the event (or a timeout) wakes it. Go offers no
// way to rewrite a process's blocking libc calls transparently (no
// dlsym(RTLD_NEXT, ...) interposition without cgo), so these are ordinary
// methods a coroutine's body calls explicitly, taking co so the compiler
// proves which coroutine is being parked rather than relying on
// thread-local lookup.
func (iom *IOManager) doIO(co *Coroutine, fd int, ev ioEvent, timeout time.Duration, op func() (int, error)) (int, error) {
	if !HookEnabled() {
		return op()
	}
	for {
		n, err := op()
		if err == nil {
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return n, err
		}

		waitErr := iom.waitForEvent(co, fd, ev, timeout)
		if waitErr != nil {
			return n, waitErr
		}
	}
}

// waitForEvent arms ev on fd, optionally races a timeout timer, and parks co
// until one of them fires. Returns the error the coroutine should surface
// (nil for "event is ready, go try the syscall again").
//
// The timeout timer is conditional (TimerManager.AddConditional), keyed on a
// token local to this call, so a timer that outlives the wait it was armed
// for (the event fired first, or the coroutine moved on for some other
// reason) becomes a silent no-op once nothing keeps the token alive, rather
// than firing into a stale waiter slot. expireEvent's own nil-check on the
// disarmed waiter is what actually prevents a double-fire race against a
// readiness event that won first; the conditional timer is the second layer
// of that same cancellation.
func (iom *IOManager) waitForEvent(co *Coroutine, fd int, ev ioEvent, timeout time.Duration) error {
	var timer *Timer
	var cond *byte
	if timeout > 0 {
		cond = new(byte)
		timer = iom.timers.AddConditional(timeout, cond, func() {
			iom.expireEvent(fd, ev)
		})
	}

	if err := iom.WaitEvent(fd, ev, co, -1, nil); err != nil {
		if timer != nil {
			iom.timers.Cancel(timer)
		}
		return err
	}

	result := co.YieldToHold()
	runtime.KeepAlive(cond)
	if timer != nil {
		iom.timers.Cancel(timer)
	}
	if result == nil {
		return nil
	}
	err, _ := result.(error)
	if err == ErrEventNotArmed {
		// A sibling WaitEvent call superseded our waiter before either the
		// event or the timeout fired: treat it as a timeout unless the fd
		// was actually closed underneath us.
		if iom.fds.Get(fd) == nil {
			return ErrFDClosed
		}
		return ErrTimeout
	}
	return err
}

// Read performs a cooperative read on fd, parking co on EAGAIN until the
// reactor reports readability or the fd's configured read timeout elapses.
func (iom *IOManager) Read(co *Coroutine, fd int, buf []byte) (int, error) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return readFD(fd, buf)
	}
	if ctx.Closed() {
		return 0, ErrFDClosed
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return readFD(fd, buf)
	}
	return iom.doIO(co, fd, evRead, ctx.Timeout(false), func() (int, error) {
		return readFD(fd, buf)
	})
}

// Write performs a cooperative write on fd, parking co on EAGAIN until the
// reactor reports writability or the fd's configured write timeout elapses.
func (iom *IOManager) Write(co *Coroutine, fd int, buf []byte) (int, error) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return writeFD(fd, buf)
	}
	if ctx.Closed() {
		return 0, ErrFDClosed
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return writeFD(fd, buf)
	}
	return iom.doIO(co, fd, evWrite, ctx.Timeout(true), func() (int, error) {
		return writeFD(fd, buf)
	})
}

// Accept performs a cooperative accept on listenFD, registering the
// resulting connection fd with the descriptor table (as a socket) before
// returning it, so the new connection is immediately usable with the other
// hooked operations.
func (iom *IOManager) Accept(co *Coroutine, listenFD int) (int, unix.Sockaddr, error) {
	ctx := iom.fds.Get(listenFD)
	if ctx == nil {
		return unix.Accept(listenFD)
	}
	if ctx.Closed() {
		return 0, nil, ErrFDClosed
	}

	var connFD int
	var sa unix.Sockaddr
	_, err := iom.doIO(co, listenFD, evRead, ctx.Timeout(false), func() (int, error) {
		fd, addr, acceptErr := unix.Accept(listenFD)
		connFD, sa = fd, addr
		return fd, acceptErr
	})
	if err != nil {
		return 0, nil, err
	}
	if _, allocErr := iom.AddEvent(connFD, true); allocErr != nil {
		_ = unix.Close(connFD)
		return 0, nil, allocErr
	}
	return connFD, sa, nil
}

// Connect performs a cooperative, timeout-bounded connect on fd: issue the
// non-blocking connect, and if it reports EINPROGRESS, wait for writability
// (or the timeout), then consult SO_ERROR to distinguish a successful
// handshake from a connection refusal/reset discovered only once the socket
// becomes writable. A zero or negative timeout falls back to the manager's
// configured connect timeout ([WithConnectTimeout]).
func (iom *IOManager) Connect(co *Coroutine, fd int, sa unix.Sockaddr, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = iom.connectTimeout
	}
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return unix.Connect(fd, sa)
	}
	if ctx.Closed() {
		return ErrFDClosed
	}
	if !ctx.IsSocket() || ctx.UserNonblock() || !HookEnabled() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	if waitErr := iom.waitForEvent(co, fd, evWrite, timeout); waitErr != nil {
		return waitErr
	}

	errno, sockErr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if sockErr != nil {
		return sockErr
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Recv performs a cooperative recv: a recvfrom(2) with no source address,
// parking on EAGAIN like [IOManager.Read].
func (iom *IOManager) Recv(co *Coroutine, fd int, buf []byte, flags int) (int, error) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		n, _, err := unix.Recvfrom(fd, buf, flags)
		return n, err
	}
	if ctx.Closed() {
		return 0, ErrFDClosed
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		n, _, err := unix.Recvfrom(fd, buf, flags)
		return n, err
	}
	return iom.doIO(co, fd, evRead, ctx.Timeout(false), func() (int, error) {
		n, _, err := unix.Recvfrom(fd, buf, flags)
		return n, err
	})
}

// Send performs a cooperative send. Issued through sendmsg(2) so the
// kernel's actual byte count is surfaced (the plain send wrapper discards
// it).
func (iom *IOManager) Send(co *Coroutine, fd int, buf []byte, flags int) (int, error) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return unix.SendmsgN(fd, buf, nil, nil, flags)
	}
	if ctx.Closed() {
		return 0, ErrFDClosed
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.SendmsgN(fd, buf, nil, nil, flags)
	}
	return iom.doIO(co, fd, evWrite, ctx.Timeout(true), func() (int, error) {
		return unix.SendmsgN(fd, buf, nil, nil, flags)
	})
}

// RecvFrom performs a cooperative recvfrom, also returning the sender's
// address.
func (iom *IOManager) RecvFrom(co *Coroutine, fd int, buf []byte, flags int) (int, unix.Sockaddr, error) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		n, sa, err := unix.Recvfrom(fd, buf, flags)
		return n, sa, err
	}
	if ctx.Closed() {
		return 0, nil, ErrFDClosed
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		n, sa, err := unix.Recvfrom(fd, buf, flags)
		return n, sa, err
	}
	var sa unix.Sockaddr
	n, err := iom.doIO(co, fd, evRead, ctx.Timeout(false), func() (int, error) {
		rn, rsa, rerr := unix.Recvfrom(fd, buf, flags)
		sa = rsa
		return rn, rerr
	})
	return n, sa, err
}

// SendTo performs a cooperative sendto. Issued through sendmsg(2) for the
// same byte-count reason as [IOManager.Send].
func (iom *IOManager) SendTo(co *Coroutine, fd int, buf []byte, flags int, to unix.Sockaddr) (int, error) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return unix.SendmsgN(fd, buf, nil, to, flags)
	}
	if ctx.Closed() {
		return 0, ErrFDClosed
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.SendmsgN(fd, buf, nil, to, flags)
	}
	return iom.doIO(co, fd, evWrite, ctx.Timeout(true), func() (int, error) {
		return unix.SendmsgN(fd, buf, nil, to, flags)
	})
}

// RecvMsg performs a cooperative recvmsg, for datagram peers that need
// control messages or multi-part buffers.
func (iom *IOManager) RecvMsg(co *Coroutine, fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return unix.Recvmsg(fd, p, oob, flags)
	}
	if ctx.Closed() {
		return 0, 0, 0, nil, ErrFDClosed
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Recvmsg(fd, p, oob, flags)
	}
	_, err = iom.doIO(co, fd, evRead, ctx.Timeout(false), func() (int, error) {
		rn, roobn, rflags, rfrom, rerr := unix.Recvmsg(fd, p, oob, flags)
		n, oobn, recvflags, from = rn, roobn, rflags, rfrom
		return rn, rerr
	})
	return n, oobn, recvflags, from, err
}

// SendMsg performs a cooperative sendmsg.
func (iom *IOManager) SendMsg(co *Coroutine, fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return unix.SendmsgN(fd, p, oob, to, flags)
	}
	if ctx.Closed() {
		return 0, ErrFDClosed
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.SendmsgN(fd, p, oob, to, flags)
	}
	return iom.doIO(co, fd, evWrite, ctx.Timeout(true), func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Readv performs a cooperative scatter-read across bufs.
func (iom *IOManager) Readv(co *Coroutine, fd int, bufs [][]byte) (int, error) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return readv(fd, bufs)
	}
	if ctx.Closed() {
		return 0, ErrFDClosed
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return readv(fd, bufs)
	}
	return iom.doIO(co, fd, evRead, ctx.Timeout(false), func() (int, error) {
		return readv(fd, bufs)
	})
}

// Writev performs a cooperative gather-write across bufs.
func (iom *IOManager) Writev(co *Coroutine, fd int, bufs [][]byte) (int, error) {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return writev(fd, bufs)
	}
	if ctx.Closed() {
		return 0, ErrFDClosed
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return writev(fd, bufs)
	}
	return iom.doIO(co, fd, evWrite, ctx.Timeout(true), func() (int, error) {
		return writev(fd, bufs)
	})
}

// Close cancels every pending waiter on fd (waking parked coroutines with
// [ErrFDClosed]), removes it from the descriptor table and reactor, and
// closes the underlying fd.
func (iom *IOManager) Close(fd int) error {
	_ = iom.RemoveFD(fd)
	return closeFD(fd)
}

// Sleep parks co for d, resuming it (with nil) via the scheduler once the
// timer fires. No syscall is made; this is the duration-based unification
// of sleep/usleep/nanosleep, since Go has a single duration type where C
// has three.
func (iom *IOManager) Sleep(co *Coroutine, d time.Duration) {
	iom.timers.Add(d, 0, func() {
		if iom.ScheduleCoroutine(co, -1) != nil {
			// Scheduler already draining; resume directly so the sleeper
			// still unwinds.
			go resumeParked(co, nil)
		}
	})
	co.YieldToHold()
}

// SetReadTimeout sets fd's cooperative read deadline (0 disables), the
// counterpart of setsockopt(SO_RCVTIMEO): the duration is recorded on the
// FdCtx for the hook layer's conditional timers AND passed through to the
// kernel option, so raw syscalls made with hooking disabled observe the
// same deadline.
func (iom *IOManager) SetReadTimeout(fd int, d time.Duration) error {
	return iom.setTimeout(fd, d, false, unix.SO_RCVTIMEO)
}

// SetWriteTimeout sets fd's cooperative write deadline (0 disables), the
// counterpart of setsockopt(SO_SNDTIMEO), stored and passed through the
// same way as [IOManager.SetReadTimeout].
func (iom *IOManager) SetWriteTimeout(fd int, d time.Duration) error {
	return iom.setTimeout(fd, d, true, unix.SO_SNDTIMEO)
}

func (iom *IOManager) setTimeout(fd int, d time.Duration, write bool, optname int) error {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return ErrFDNotRegistered
	}
	ctx.SetTimeout(write, d)
	// Descriptors registered for cooperative I/O that are not actually
	// sockets (pipes, for one) reject the option with ENOTSOCK; the stored
	// cooperative deadline still applies to them.
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, optname, &tv); err != nil && err != unix.ENOTSOCK {
		return err
	}
	return nil
}

// SetUserNonblock records that the application itself wants fd to behave
// non-blockingly (so hook methods should not intercept EAGAIN at all),
// the stored-flag counterpart of fcntl(F_SETFL, O_NONBLOCK) and
// ioctl(FIONBIO).
func (iom *IOManager) SetUserNonblock(fd int, nonblocking bool) error {
	ctx := iom.fds.Get(fd)
	if ctx == nil {
		return ErrFDNotRegistered
	}
	ctx.SetUserNonblock(nonblocking)
	return nil
}
