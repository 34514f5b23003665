package tracelog

import (
	"io"
	"log/slog"
	"time"
)

// Option configures a TraceLog at construction.
type Option func(*TraceLog)

// WithLogger sets the logger for diagnostics, e.g. rejected state changes and
// flush timeouts. The default is slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(tl *TraceLog) {
		if logger != nil {
			tl.logger = logger
		}
	}
}

// WithChunkSize sets the number of events per chunk. The default is 64, the
// minimum is 1, and the maximum is 1024.
func WithChunkSize(n int) Option {
	return func(tl *TraceLog) { tl.chunkSize = n }
}

// WithFlushTimeout sets how long a flush waits for threads to return their
// chunks. The default is 3s.
func WithFlushTimeout(d time.Duration) Option {
	return func(tl *TraceLog) {
		if d > 0 {
			tl.flushTimeout = d
		}
	}
}

// WithSerializer sets the format of flush output. The default is JSON.
func WithSerializer(s Serializer) Option {
	return func(tl *TraceLog) {
		if s != nil {
			tl.serializer = s
		}
	}
}

// WithEchoWriter sets the destination for events in the echo-to-console record
// mode. The default is stderr.
func WithEchoWriter(w io.Writer) Option {
	return func(tl *TraceLog) {
		if w != nil {
			tl.echo = w
		}
	}
}

// WithArgumentFilter sets the predicate applied to event arguments at flush
// time, for configs that enable argument filtering.
func WithArgumentFilter(p ArgumentFilterPredicate) Option {
	return func(tl *TraceLog) { tl.argFilter = p }
}

// WithPlatformExporter sets an exporter that receives events in the categories
// it selects, independent of recording.
func WithPlatformExporter(e PlatformExporter) Option {
	return func(tl *TraceLog) { tl.exporter = e }
}

// WithThreadTimeSource sets a function that reports the CPU time consumed by a
// thread, recorded as the thread timestamp of its events.
func WithThreadTimeSource(fn func(*Thread) time.Duration) Option {
	return func(tl *TraceLog) { tl.threadTime = fn }
}

// WithInstructionCounter sets a function that reports the number of
// instructions retired by a thread.
func WithInstructionCounter(fn func(*Thread) int64) Option {
	return func(tl *TraceLog) { tl.instructions = fn }
}

// WithProcessID overrides the process ID reported in events.
func WithProcessID(pid int) Option {
	return func(tl *TraceLog) { tl.pid = pid }
}

// WithEventFilterPredicate registers an event filter factory under the given
// predicate name, replacing any builtin with the same name.
func WithEventFilterPredicate(name string, f EventFilterFactory) Option {
	return func(tl *TraceLog) { tl.predicates[name] = f }
}

// PlatformExporter forwards events to a platform tracing facility.
type PlatformExporter interface {
	IsCategoryEnabled(category string) bool
	ExportEvent(ev *TraceEvent)
}
