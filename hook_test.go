//go:build linux

package fiberio

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// runOnCoroutine drives fn on a freshly spawned coroutine scheduled onto
// iom, blocking until fn returns (or panics, surfaced as *PanicError).
func runOnCoroutine(t *testing.T, iom *IOManager, fn func(co *Coroutine) error) error {
	t.Helper()
	resultCh := make(chan error, 1)
	co := NewCoroutine(func(co *Coroutine) error {
		err := fn(co)
		resultCh <- err
		return err
	})
	if err := iom.ScheduleCoroutine(co, -1); err != nil {
		t.Fatalf("ScheduleCoroutine() error = %v", err)
	}
	select {
	case err := <-resultCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for coroutine to finish")
		return nil
	}
}

func Test_Hook_ReadBlocksThenSucceedsOnData(t *testing.T) {
	t.Parallel()

	iom := newTestIOManager(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("Pipe2() error = %v", err)
	}
	defer unix.Close(fds[1])
	r := fds[0]
	if _, err := iom.AddEvent(r, true); err != nil {
		t.Fatalf("AddEvent() error = %v", err)
	}
	defer iom.RemoveFD(r)

	go func() {
		time.Sleep(50 * time.Millisecond)
		unix.Write(fds[1], []byte("hello"))
	}()

	buf := make([]byte, 16)
	var n int
	err := runOnCoroutine(t, iom, func(co *Coroutine) error {
		var readErr error
		n, readErr = iom.Read(co, r, buf)
		return readErr
	})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Fatalf("Read() = %q, want %q", buf[:n], "hello")
	}
}

func Test_Hook_ReadTimesOutWithErrTimeout(t *testing.T) {
	t.Parallel()

	iom := newTestIOManager(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("Pipe2() error = %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	r := fds[0]
	if _, err := iom.AddEvent(r, true); err != nil {
		t.Fatalf("AddEvent() error = %v", err)
	}
	defer iom.RemoveFD(r)
	if err := iom.SetReadTimeout(r, 50*time.Millisecond); err != nil {
		t.Fatalf("SetReadTimeout() error = %v", err)
	}

	buf := make([]byte, 16)
	err := runOnCoroutine(t, iom, func(co *Coroutine) error {
		_, readErr := iom.Read(co, r, buf)
		return readErr
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Read() = %v, want ErrTimeout", err)
	}
}

func Test_Hook_WriteDeliversData(t *testing.T) {
	t.Parallel()

	iom := newTestIOManager(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("Pipe2() error = %v", err)
	}
	defer unix.Close(fds[0])
	w := fds[1]
	if _, err := iom.AddEvent(w, true); err != nil {
		t.Fatalf("AddEvent() error = %v", err)
	}
	defer iom.RemoveFD(w)

	payload := []byte("written via the hook layer")
	err := runOnCoroutine(t, iom, func(co *Coroutine) error {
		_, writeErr := iom.Write(co, w, payload)
		return writeErr
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got := make([]byte, len(payload))
	n, err := unix.Read(fds[0], got)
	if err != nil {
		t.Fatalf("Read() back from the pipe error = %v", err)
	}
	if !bytes.Equal(got[:n], payload) {
		t.Fatalf("read back %q, want %q", got[:n], payload)
	}
}

func Test_Hook_CloseWakesPendingWaiters(t *testing.T) {
	t.Parallel()

	iom := newTestIOManager(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("Pipe2() error = %v", err)
	}
	defer unix.Close(fds[1])
	r := fds[0]
	if _, err := iom.AddEvent(r, true); err != nil {
		t.Fatalf("AddEvent() error = %v", err)
	}

	buf := make([]byte, 16)
	err := runOnCoroutine(t, iom, func(co *Coroutine) error {
		go func() {
			time.Sleep(50 * time.Millisecond)
			iom.Close(r)
		}()
		_, readErr := iom.Read(co, r, buf)
		return readErr
	})
	if !errors.Is(err, ErrFDClosed) {
		t.Fatalf("Read() after Close() = %v, want ErrFDClosed", err)
	}
}

func Test_Hook_SendRecvOverDatagramSocketpair(t *testing.T) {
	t.Parallel()

	iom := newTestIOManager(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() error = %v", err)
	}
	defer unix.Close(fds[1])
	a, b := fds[0], fds[1]
	if err := unix.SetNonblock(b, true); err != nil {
		t.Fatalf("SetNonblock() error = %v", err)
	}
	if _, err := iom.AddEvent(a, true); err != nil {
		t.Fatalf("AddEvent() error = %v", err)
	}
	defer iom.RemoveFD(a)

	payload := []byte("datagram payload")
	go func() {
		time.Sleep(50 * time.Millisecond)
		unix.Write(b, payload)
	}()

	buf := make([]byte, 64)
	var n int
	err = runOnCoroutine(t, iom, func(co *Coroutine) error {
		var recvErr error
		n, recvErr = iom.Recv(co, a, buf, 0)
		return recvErr
	})
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("Recv() = %q, want %q", buf[:n], payload)
	}

	err = runOnCoroutine(t, iom, func(co *Coroutine) error {
		_, sendErr := iom.Send(co, a, payload, 0)
		return sendErr
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := make([]byte, 64)
	gn, err := unix.Read(b, got)
	if err != nil {
		t.Fatalf("Read() back from peer error = %v", err)
	}
	if !bytes.Equal(got[:gn], payload) {
		t.Fatalf("peer received %q, want %q", got[:gn], payload)
	}
}

func Test_Hook_ReadvWritevAcrossMultipleBuffers(t *testing.T) {
	t.Parallel()

	iom := newTestIOManager(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("Pipe2() error = %v", err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	if _, err := iom.AddEvent(w, true); err != nil {
		t.Fatalf("AddEvent() error = %v", err)
	}
	defer iom.RemoveFD(w)

	part1, part2 := []byte("hello, "), []byte("writev")
	err := runOnCoroutine(t, iom, func(co *Coroutine) error {
		_, writeErr := iom.Writev(co, w, [][]byte{part1, part2})
		return writeErr
	})
	if err != nil {
		t.Fatalf("Writev() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	buf1, buf2 := make([]byte, len(part1)), make([]byte, len(part2))
	n, err := unix.Readv(r, [][]byte{buf1, buf2})
	if err != nil {
		t.Fatalf("Readv() error = %v", err)
	}
	if n != len(part1)+len(part2) {
		t.Fatalf("Readv() n = %d, want %d", n, len(part1)+len(part2))
	}
	if !bytes.Equal(buf1, part1) || !bytes.Equal(buf2, part2) {
		t.Fatalf("Readv() split = %q/%q, want %q/%q", buf1, buf2, part1, part2)
	}
}

func Test_Hook_ReadvScattersIntoMultipleBuffers(t *testing.T) {
	t.Parallel()

	iom := newTestIOManager(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("Pipe2() error = %v", err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(w)
	if _, err := iom.AddEvent(r, true); err != nil {
		t.Fatalf("AddEvent() error = %v", err)
	}
	defer iom.RemoveFD(r)

	payload := []byte("hello, readv")
	go func() {
		time.Sleep(50 * time.Millisecond)
		unix.Write(w, payload)
	}()

	buf1, buf2 := make([]byte, 7), make([]byte, 5)
	err := runOnCoroutine(t, iom, func(co *Coroutine) error {
		_, readErr := iom.Readv(co, r, [][]byte{buf1, buf2})
		return readErr
	})
	if err != nil {
		t.Fatalf("Readv() error = %v", err)
	}
	if !bytes.Equal(buf1, payload[:7]) || !bytes.Equal(buf2, payload[7:]) {
		t.Fatalf("Readv() split = %q/%q, want %q/%q", buf1, buf2, payload[:7], payload[7:])
	}
}

// Not parallel: SetHookEnabled flips process-wide state that the other hook
// tests depend on being left enabled.
func Test_Hook_DisablingHookFallsThroughWithoutParking(t *testing.T) {
	iom := newTestIOManager(t)

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("Pipe2() error = %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	r := fds[0]
	if _, err := iom.AddEvent(r, true); err != nil {
		t.Fatalf("AddEvent() error = %v", err)
	}
	defer iom.RemoveFD(r)

	SetHookEnabled(false)
	defer SetHookEnabled(true)
	if HookEnabled() {
		t.Fatal("HookEnabled() should report false right after SetHookEnabled(false)")
	}

	buf := make([]byte, 16)
	err := runOnCoroutine(t, iom, func(co *Coroutine) error {
		_, readErr := iom.Read(co, r, buf)
		return readErr
	})
	if !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("Read() with hooking disabled = %v, want a raw EAGAIN (no parking)", err)
	}
}

func Test_Hook_SleepParksForDuration(t *testing.T) {
	t.Parallel()

	iom := newTestIOManager(t)

	start := time.Now()
	err := runOnCoroutine(t, iom, func(co *Coroutine) error {
		iom.Sleep(co, 50*time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("Sleep() path returned error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("Sleep returned after only %v, want >= 50ms", elapsed)
	}
}
