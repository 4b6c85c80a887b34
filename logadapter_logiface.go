package fiberio

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// LogifaceLogger adapts this package's [Logger] interface onto
// github.com/joeycumines/logiface, backed by stumpy's zero-allocation JSON
// event encoder. This is the domain-stack counterpart to [DefaultLogger]
// (logging.go): where DefaultLogger is the in-tree, dependency-free
// fallback, LogifaceLogger is what a real deployment wires up when it has
// already standardized on logiface.
type LogifaceLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

// NewLogifaceLogger constructs a [LogifaceLogger] writing newline-delimited
// JSON via stumpy. Pass stumpy.Option values (e.g. stumpy.WithWriter) to
// customize field names or the output writer; the
// zero-value call writes to os.Stderr, matching stumpy's own default.
func NewLogifaceLogger(level LogLevel, opts ...stumpy.Option) *LogifaceLogger {
	return &LogifaceLogger{
		l: stumpy.L.New(
			stumpy.L.WithLevel(logifaceLevel(level)),
			stumpy.L.WithStumpy(opts...),
		),
	}
}

// IsEnabled implements [Logger] against the underlying logiface logger's
// configured level (logiface levels ascend in verbosity, syslog-style).
func (a *LogifaceLogger) IsEnabled(lv LogLevel) bool {
	return logifaceLevel(lv) <= a.l.Level()
}

func logifaceLevel(lv LogLevel) logiface.Level {
	switch lv {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// Log implements [Logger] by translating an [LogEntry] into a logiface
// builder chain: one field (Str, Int, Int64, Any or Err) per populated
// LogEntry field or Context key, flushed by
// a single Log call so stumpy emits exactly one JSON object per entry.
func (a *LogifaceLogger) Log(e LogEntry) {
	var b *logiface.Builder[*stumpy.Event]
	switch e.Level {
	case LevelDebug:
		b = a.l.Debug()
	case LevelWarn:
		b = a.l.Warning()
	case LevelError:
		b = a.l.Err()
	default:
		b = a.l.Info()
	}
	if !b.Enabled() {
		return
	}
	if e.Category != "" {
		b = b.Str("category", e.Category)
	}
	if e.Scheduler != "" {
		b = b.Str("scheduler", e.Scheduler)
	}
	if e.Worker != 0 {
		b = b.Int("worker", e.Worker)
	}
	if e.Coroutine != 0 {
		b = b.Int64("coroutine", e.Coroutine)
	}
	if e.Timer != 0 {
		b = b.Int64("timer", int64(e.Timer))
	}
	if e.FD != 0 {
		b = b.Int("fd", e.FD)
	}
	for k, v := range e.Context {
		b = b.Any(k, v)
	}
	if e.Err != nil {
		b = b.Err(e.Err)
	}
	b.Log(e.Message)
}
