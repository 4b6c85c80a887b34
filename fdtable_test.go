package fiberio

import (
	"errors"
	"testing"
	"time"
)

func Test_FdManager_AllocGetFree(t *testing.T) {
	t.Parallel()

	m := NewFdManager()
	ctx, err := m.Alloc(7, true)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if !ctx.IsSocket() {
		t.Fatal("IsSocket() = false, want true")
	}
	if got := m.Get(7); got != ctx {
		t.Fatalf("Get(7) = %v, want the same ctx returned by Alloc", got)
	}

	freed := m.Free(7)
	if freed != ctx {
		t.Fatal("Free() should return the same ctx that was allocated")
	}
	if !ctx.Closed() {
		t.Fatal("Closed() should be true after Free")
	}
	if got := m.Get(7); got != nil {
		t.Fatalf("Get(7) after Free = %v, want nil", got)
	}
}

func Test_FdManager_AllocDuplicateFails(t *testing.T) {
	t.Parallel()

	m := NewFdManager()
	if _, err := m.Alloc(3, false); err != nil {
		t.Fatalf("first Alloc() error = %v", err)
	}
	if _, err := m.Alloc(3, false); !errors.Is(err, ErrFDAlreadyRegistered) {
		t.Fatalf("second Alloc(3) = %v, want ErrFDAlreadyRegistered", err)
	}
}

func Test_FdManager_AllocOutOfRangeFails(t *testing.T) {
	t.Parallel()

	m := NewFdManager()
	if _, err := m.Alloc(-1, false); !errors.Is(err, ErrFDOutOfRange) {
		t.Fatalf("Alloc(-1) = %v, want ErrFDOutOfRange", err)
	}
	if _, err := m.Alloc(maxFDs, false); !errors.Is(err, ErrFDOutOfRange) {
		t.Fatalf("Alloc(maxFDs) = %v, want ErrFDOutOfRange", err)
	}
}

func Test_FdManager_FreeWakesPendingWaiters(t *testing.T) {
	t.Parallel()

	m := NewFdManager()
	ctx, err := m.Alloc(11, true)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}

	got := make(chan error, 1)
	ctx.ch.arm(evRead, &waiter{cb: func(err error) { got <- err }})

	m.Free(11)

	select {
	case err := <-got:
		if !errors.Is(err, ErrFDClosed) {
			t.Fatalf("waiter fired with %v, want ErrFDClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the waiter to fire")
	}
}

func Test_FdCtx_TimeoutAndUserNonblock(t *testing.T) {
	t.Parallel()

	m := NewFdManager()
	ctx, err := m.Alloc(5, true)
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}

	if ctx.Timeout(false) != 0 || ctx.Timeout(true) != 0 {
		t.Fatal("default timeouts should be zero")
	}
	ctx.SetTimeout(false, 50*time.Millisecond)
	ctx.SetTimeout(true, 75*time.Millisecond)
	if ctx.Timeout(false) != 50*time.Millisecond {
		t.Fatalf("Timeout(false) = %v, want 50ms", ctx.Timeout(false))
	}
	if ctx.Timeout(true) != 75*time.Millisecond {
		t.Fatalf("Timeout(true) = %v, want 75ms", ctx.Timeout(true))
	}

	if ctx.UserNonblock() {
		t.Fatal("UserNonblock() should default to false")
	}
	ctx.SetUserNonblock(true)
	if !ctx.UserNonblock() {
		t.Fatal("UserNonblock() should be true after SetUserNonblock(true)")
	}
}
