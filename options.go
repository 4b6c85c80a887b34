// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiberio

import "time"

// schedulerOptions holds configuration resolved from []SchedulerOption.
type schedulerOptions struct {
	workers     int
	queueHint   int
	logger      Logger
	name        string
	attachAllow bool
}

// SchedulerOption configures a [Scheduler] (and, transitively, an
// [IOManager], which embeds one) at construction time.
type SchedulerOption interface {
	applyScheduler(*schedulerOptions) error
}

type schedulerOptionFunc func(*schedulerOptions) error

func (f schedulerOptionFunc) applyScheduler(o *schedulerOptions) error { return f(o) }

// WithWorkers sets the number of fixed OS-thread workers in the pool. The
// default is runtime.GOMAXPROCS(0).
func WithWorkers(n int) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) error {
		if n > 0 {
			o.workers = n
		}
		return nil
	})
}

// WithQueueHint records a task-queue sizing hint. It is passed to
// NewTaskQueue, which does not use it: queue chunks are fixed-size and
// allocated as tasks arrive.
func WithQueueHint(n int) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) error {
		if n > 0 {
			o.queueHint = n
		}
		return nil
	})
}

// WithSchedulerLogger attaches a structured [Logger] to the scheduler.
func WithSchedulerLogger(l Logger) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) error {
		if l != nil {
			o.logger = l
		}
		return nil
	})
}

// WithSchedulerName sets a diagnostic name, returned by [Scheduler.Name].
// It is not added to log entries or worker thread labels.
func WithSchedulerName(name string) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) error {
		o.name = name
		return nil
	})
}

// WithCallerAttach allows [Scheduler.AttachCallingThread] to start an
// additional ad-hoc worker. Disabled by default.
func WithCallerAttach(enabled bool) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) error {
		o.attachAllow = enabled
		return nil
	})
}

func resolveSchedulerOptions(opts []SchedulerOption) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		workers:   defaultWorkerCount(),
		queueHint: 128,
		logger:    getGlobalLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// coroutineOptions holds configuration resolved from []CoroutineOption.
type coroutineOptions struct {
	stackHint int
	name      string
}

// CoroutineOption configures a [Coroutine] at construction time. Go
// goroutines grow their own stacks, so StackHint is advisory (surfaced via
// Coroutine.StackHint for diagnostics) rather than a hard allocation.
type CoroutineOption interface {
	applyCoroutine(*coroutineOptions) error
}

type coroutineOptionFunc func(*coroutineOptions) error

func (f coroutineOptionFunc) applyCoroutine(o *coroutineOptions) error { return f(o) }

// WithStackHint records an advisory stack size, in bytes, for diagnostics.
func WithStackHint(n int) CoroutineOption {
	return coroutineOptionFunc(func(o *coroutineOptions) error {
		if n > 0 {
			o.stackHint = n
		}
		return nil
	})
}

// WithCoroutineName sets a diagnostic name for the coroutine.
func WithCoroutineName(name string) CoroutineOption {
	return coroutineOptionFunc(func(o *coroutineOptions) error {
		o.name = name
		return nil
	})
}

func resolveCoroutineOptions(opts []CoroutineOption) (*coroutineOptions, error) {
	cfg := &coroutineOptions{stackHint: 128 * 1024}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyCoroutine(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ioManagerOptions holds configuration resolved from []IOManagerOption.
type ioManagerOptions struct {
	scheduler         []SchedulerOption
	maxEvents         int
	errRate           map[time.Duration]int
	connectTimeout    time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	rollbackTolerance time.Duration
}

// IOManagerOption configures an [IOManager] at construction time.
type IOManagerOption interface {
	applyIOManager(*ioManagerOptions) error
}

type ioManagerOptionFunc func(*ioManagerOptions) error

func (f ioManagerOptionFunc) applyIOManager(o *ioManagerOptions) error { return f(o) }

// WithSchedulerOptions forwards options to the embedded Scheduler.
func WithSchedulerOptions(opts ...SchedulerOption) IOManagerOption {
	return ioManagerOptionFunc(func(o *ioManagerOptions) error {
		o.scheduler = append(o.scheduler, opts...)
		return nil
	})
}

// WithMaxEvents sets the epoll_wait event buffer size (default 256).
func WithMaxEvents(n int) IOManagerOption {
	return ioManagerOptionFunc(func(o *ioManagerOptions) error {
		if n > 0 {
			o.maxEvents = n
		}
		return nil
	})
}

// WithErrorLogRate configures the sliding-window rate limit (via
// go-catrate) applied to repeated reactor error logs, keyed by errno. The
// default is 1 log line per error category per second.
func WithErrorLogRate(rates map[time.Duration]int) IOManagerOption {
	return ioManagerOptionFunc(func(o *ioManagerOptions) error {
		if len(rates) > 0 {
			o.errRate = rates
		}
		return nil
	})
}

// WithConnectTimeout sets the default timeout applied by the hook layer's
// Connect when the caller passes a timeout of zero or less.
func WithConnectTimeout(d time.Duration) IOManagerOption {
	return ioManagerOptionFunc(func(o *ioManagerOptions) error {
		o.connectTimeout = d
		return nil
	})
}

// WithReadTimeout sets the default per-fd read timeout for hook-layer
// operations that do not specify one explicitly (0 disables).
func WithReadTimeout(d time.Duration) IOManagerOption {
	return ioManagerOptionFunc(func(o *ioManagerOptions) error {
		o.readTimeout = d
		return nil
	})
}

// WithWriteTimeout sets the default per-fd write timeout.
func WithWriteTimeout(d time.Duration) IOManagerOption {
	return ioManagerOptionFunc(func(o *ioManagerOptions) error {
		o.writeTimeout = d
		return nil
	})
}

// WithClockRollbackTolerance sets how far the clock may appear to move
// backwards between timer passes before every pending timer is treated as
// expired (default one hour). Mainly a seam for tests that need to
// exercise the rollback path without simulating an hour-scale jump.
func WithClockRollbackTolerance(d time.Duration) IOManagerOption {
	return ioManagerOptionFunc(func(o *ioManagerOptions) error {
		if d > 0 {
			o.rollbackTolerance = d
		}
		return nil
	})
}

func resolveIOManagerOptions(opts []IOManagerOption) (*ioManagerOptions, error) {
	cfg := &ioManagerOptions{
		maxEvents:      256,
		errRate:        map[time.Duration]int{time.Second: 1},
		connectTimeout: 5 * time.Second,
		readTimeout:    2 * time.Minute,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyIOManager(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
