package fiberio

import "errors"

// Sentinel errors returned by the scheduler, reactor and hook layer. All are
// comparable via [errors.Is].
var (
	// ErrSchedulerClosed is returned by Scheduler/IOManager methods once
	// Stop has been called.
	ErrSchedulerClosed = errors.New("fiberio: scheduler closed")

	// ErrCoroutineTerminated is returned by Resume when the target
	// coroutine has already finished (normally or via panic).
	ErrCoroutineTerminated = errors.New("fiberio: coroutine terminated")

	// ErrCoroutineRunning is returned by Resume when the target coroutine
	// is not in a resumable state (e.g. already EXEC).
	ErrCoroutineRunning = errors.New("fiberio: coroutine not in a resumable state")

	// ErrInvalidState is returned when a CAS-guarded state transition is
	// attempted from an unexpected state.
	ErrInvalidState = errors.New("fiberio: invalid state transition")

	// ErrFDOutOfRange is returned by FdManager when fd exceeds the
	// direct-indexed table bound.
	ErrFDOutOfRange = errors.New("fiberio: fd out of range")

	// ErrFDAlreadyRegistered is returned by FdManager.Alloc /
	// IOManager.AddEvent when the fd already has a live FdCtx.
	ErrFDAlreadyRegistered = errors.New("fiberio: fd already registered")

	// ErrFDNotRegistered is returned when an operation references an fd
	// with no live FdCtx.
	ErrFDNotRegistered = errors.New("fiberio: fd not registered")

	// ErrFDClosed is returned by hook-layer operations against a FdCtx
	// marked closed.
	ErrFDClosed = errors.New("fiberio: fd closed")

	// ErrEventNotArmed is returned by IOManager.CancelEvent when the
	// requested event is not currently armed on the fd.
	ErrEventNotArmed = errors.New("fiberio: event not armed")

	// ErrReactorClosed is returned by poller operations after Close.
	ErrReactorClosed = errors.New("fiberio: reactor closed")

	// ErrTimeout is returned by hook-layer operations when a per-fd or
	// per-call deadline elapses before the operation completes.
	ErrTimeout = errors.New("fiberio: operation timed out")

	// ErrClockRolledBack is logged (never returned to callers) when the
	// timer manager observes the monotonic clock moving backwards by more
	// than the configured tolerance; all pending timers are force-fired.
	ErrClockRolledBack = errors.New("fiberio: clock rollback detected")
)

// PanicError wraps a value recovered from a panicking coroutine trampoline.
// It is delivered to the coroutine's caller via Resume's error return. A
// panic in a plain scheduled [Task] is not wrapped: the worker logs the raw
// recovered value.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return "fiberio: panic recovered: " + errStr(e.Value)
}

// Unwrap allows [errors.Is]/[errors.As] to reach through to an underlying
// error, if the recovered panic value was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func errStr(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-error panic value"
}
