//go:build linux

package fiberio

import "golang.org/x/sys/unix"

// closeFD closes a file descriptor.
func closeFD(fd int) error { return unix.Close(fd) }

// readFD reads from a file descriptor.
func readFD(fd int, buf []byte) (int, error) { return unix.Read(fd, buf) }

// writeFD writes to a file descriptor.
func writeFD(fd int, buf []byte) (int, error) { return unix.Write(fd, buf) }

// setNonblock toggles O_NONBLOCK on fd at the kernel level. Used by the
// FdManager when registering a socket so hook-layer operations always see
// EAGAIN rather than blocking the worker's OS thread.
func setNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// readv performs a single scatter-read syscall across bufs.
func readv(fd int, bufs [][]byte) (int, error) {
	return unix.Readv(fd, bufs)
}

// writev performs a single gather-write syscall across bufs.
func writev(fd int, bufs [][]byte) (int, error) {
	return unix.Writev(fd, bufs)
}
