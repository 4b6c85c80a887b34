package fiberio

import (
	"errors"
	"testing"
)

func Test_Coroutine_ResumeYieldRoundTrip(t *testing.T) {
	t.Parallel()

	co := NewCoroutine(func(c *Coroutine) error {
		v := c.Yield("first")
		if v != "resumed-1" {
			t.Errorf("unexpected resume value: %v", v)
		}
		v = c.Yield("second")
		if v != "resumed-2" {
			t.Errorf("unexpected resume value: %v", v)
		}
		return nil
	})

	val, done, err := co.Resume(nil)
	if err != nil || done || val != "first" {
		t.Fatalf("first Resume = (%v, %v, %v), want (\"first\", false, nil)", val, done, err)
	}
	if co.State() != StateHold {
		t.Fatalf("State() = %v, want StateHold", co.State())
	}

	val, done, err = co.Resume("resumed-1")
	if err != nil || done || val != "second" {
		t.Fatalf("second Resume = (%v, %v, %v), want (\"second\", false, nil)", val, done, err)
	}

	val, done, err = co.Resume("resumed-2")
	if err != nil || !done || val != nil {
		t.Fatalf("third Resume = (%v, %v, %v), want (nil, true, nil)", val, done, err)
	}
	if !co.State().IsTerminal() || co.State() != StateTerm {
		t.Fatalf("State() = %v, want StateTerm", co.State())
	}
}

func Test_Coroutine_ResumeAfterTerminalFails(t *testing.T) {
	t.Parallel()

	co := NewCoroutine(func(c *Coroutine) error { return nil })
	if _, _, err := co.Resume(nil); err != nil {
		t.Fatalf("unexpected error on first Resume: %v", err)
	}
	if _, _, err := co.Resume(nil); !errors.Is(err, ErrCoroutineTerminated) {
		t.Fatalf("Resume after completion = %v, want ErrCoroutineTerminated", err)
	}
}

func Test_Coroutine_ErrReturnedByFn(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	co := NewCoroutine(func(c *Coroutine) error { return wantErr })
	_, done, err := co.Resume(nil)
	if !done || err != wantErr {
		t.Fatalf("Resume() = (done=%v, err=%v), want (true, %v)", done, err, wantErr)
	}
	if co.Err() != wantErr {
		t.Fatalf("Err() = %v, want %v", co.Err(), wantErr)
	}
}

func Test_Coroutine_PanicIsRecoveredAsPanicError(t *testing.T) {
	t.Parallel()

	co := NewCoroutine(func(c *Coroutine) error {
		panic("kaboom")
	})
	_, done, err := co.Resume(nil)
	if !done {
		t.Fatal("expected the coroutine to be done after a panic")
	}
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v (%T), want *PanicError", err, err)
	}
	if co.State() != StateExcept {
		t.Fatalf("State() = %v, want StateExcept", co.State())
	}
}

func Test_Coroutine_YieldToHoldReturnsResumeArgument(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("woke up with this")
	co := NewCoroutine(func(c *Coroutine) error {
		got := c.YieldToHold()
		if got != sentinel {
			t.Errorf("YieldToHold() = %v, want %v", got, sentinel)
		}
		return nil
	})
	if _, done, err := co.Resume(nil); err != nil || done {
		t.Fatalf("first Resume = (done=%v, err=%v)", done, err)
	}
	if _, done, err := co.Resume(sentinel); err != nil || !done {
		t.Fatalf("second Resume = (done=%v, err=%v), want (true, nil)", done, err)
	}
}

func Test_Coroutine_ResumeWhileRunningFails(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	co := NewCoroutine(func(c *Coroutine) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		co.Resume(nil)
	}()
	<-entered

	if _, _, err := co.Resume(nil); !errors.Is(err, ErrCoroutineRunning) {
		t.Fatalf("Resume() on a running coroutine = %v, want ErrCoroutineRunning", err)
	}
	close(release)
	<-done
}

func Test_Coroutine_ResetRecyclesAfterCompletion(t *testing.T) {
	t.Parallel()

	co := NewCoroutine(func(c *Coroutine) error { return nil })
	if _, done, err := co.Resume(nil); !done || err != nil {
		t.Fatalf("first run: done=%v err=%v", done, err)
	}

	ran := false
	if err := co.Reset(func(c *Coroutine) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("Reset() on a finished coroutine error = %v", err)
	}
	if co.State() != StateInit {
		t.Fatalf("State() after Reset = %v, want StateInit", co.State())
	}
	if co.Err() != nil {
		t.Fatalf("Err() after Reset = %v, want nil", co.Err())
	}

	if _, done, err := co.Resume(nil); !done || err != nil {
		t.Fatalf("second run: done=%v err=%v", done, err)
	}
	if !ran {
		t.Fatal("the replacement entry function never ran")
	}
}

func Test_Coroutine_ResetWhileParkedFails(t *testing.T) {
	t.Parallel()

	co := NewCoroutine(func(c *Coroutine) error {
		c.YieldToHold()
		return nil
	})
	if _, done, err := co.Resume(nil); done || err != nil {
		t.Fatalf("priming Resume: done=%v err=%v", done, err)
	}

	if err := co.Reset(func(c *Coroutine) error { return nil }); !errors.Is(err, ErrCoroutineRunning) {
		t.Fatalf("Reset() on a parked coroutine = %v, want ErrCoroutineRunning", err)
	}
	if _, done, err := co.Resume(nil); !done || err != nil {
		t.Fatalf("draining Resume: done=%v err=%v", done, err)
	}
}

func Test_Coroutine_NameAndStackHint(t *testing.T) {
	t.Parallel()

	co := NewCoroutine(func(c *Coroutine) error { return nil },
		WithCoroutineName("worker-coro"), WithStackHint(256*1024))
	if co.Name() != "worker-coro" {
		t.Errorf("Name() = %q, want %q", co.Name(), "worker-coro")
	}
	if co.StackHint() != 256*1024 {
		t.Errorf("StackHint() = %d, want %d", co.StackHint(), 256*1024)
	}
}
