// Package tracelog provides an in-process trace event recorder, designed for
// high frequency instrumentation of multi-threaded programs.
//
// The basic idea is that instrumented call sites emit small, typed events —
// begin, end, instant, complete, counter, and so on — into a [Category]. Each
// category carries an enablement state that can be read without locking, so a
// disabled call site costs one atomic load. When a category is enabled, events
// are written in place into fixed-size chunks owned by the producing [Thread],
// and the shared engine lock is only taken when a chunk needs to be checked out
// from, or returned to, the active [TraceBuffer].
//
// Recorded events are retrieved with [TraceLog.Flush], which asks every thread
// holding a chunk to hand it back, swaps in a fresh buffer, and serializes the
// retired buffer to an [OutputFunc] in bounded batches. A thread that never
// responds is abandoned after a timeout, so a flush can't block forever.
//
// Independent of recording, an [EventFilter] chain can observe events in
// selected categories, for example to stream them to live subscribers via
// [TraceLog.Subscribe], without ever buffering them.
//
// Most programs construct a single engine with [New] and pass it to producers.
// A process-wide engine is also available via [Default].
package tracelog
