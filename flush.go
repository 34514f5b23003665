package tracelog

import (
	"context"
	"slices"
	"time"
)

// OutputFunc receives serialized events from a flush, in one or more calls.
// Each call carries a batch of whole events joined by the serializer's
// separator; consecutive batches must be joined with the separator by the
// receiver. The final call always has hasMore false, even if no events were
// recorded. The data slice is owned by the receiver.
type OutputFunc func(data []byte, hasMore bool)

const outputBatchSize = 100 * 1024

// Flush reclaims every thread's chunk, retires the active buffer, and
// serializes its events to out, preceded by metadata events. It's rejected
// while recording is enabled, and while another flush is in progress.
//
// Threads are asked to return their chunks via their task queues. Flush waits
// until every thread has done so, or the flush timeout elapses, or the context
// is canceled; events in chunks held by threads that didn't respond are lost.
// If the context carries the calling goroutine's own thread, it's drained
// inline.
//
// Flush returns after the final call to out.
func (tl *TraceLog) Flush(ctx context.Context, out OutputFunc) error {
	return tl.flush(ctx, out, false)
}

// CancelTracing disables every mode, reclaims chunks like Flush, and discards
// the buffered events. out, if not nil, receives a single empty final call.
func (tl *TraceLog) CancelTracing(ctx context.Context, out OutputFunc) error {
	if err := tl.SetDisabled(AllModes); err != nil {
		if out != nil {
			out(nil, false)
		}
		return err
	}
	return tl.flush(ctx, out, true)
}

func (tl *TraceLog) flush(ctx context.Context, out OutputFunc, discard bool) error {
	if out == nil {
		out = func([]byte, bool) {}
	}

	tl.mtx.Lock()

	if tl.enabledModes&RecordingMode != 0 {
		tl.mtx.Unlock()
		tl.logger.Warn("cannot flush while recording is enabled")
		out(nil, false)
		return ErrRecording
	}

	if tl.flushing {
		tl.mtx.Unlock()
		tl.logger.Warn("flush already in progress")
		out(nil, false)
		return ErrFlushInProgress
	}

	var (
		generation = tl.generation.Load()
		done       = make(chan struct{})
		threads    = make([]*Thread, 0, len(tl.liveBuffers))
	)

	tl.flushing = true
	tl.flushDone = done
	tl.returnSharedChunkLocked()

	for _, th := range tl.liveBuffers {
		threads = append(threads, th)
	}

	tl.checkFlushDoneLocked()

	tl.mtx.Unlock()

	if len(threads) > 0 {
		self := ThreadFrom(ctx)
		for _, th := range threads {
			task := th.flushTask(generation)
			if th == self {
				task()
				continue
			}
			if !th.PostTask(task) {
				tl.logger.Debug("thread rejected flush task", "thread", th.name, "id", th.id)
			}
		}

		timer := time.NewTimer(tl.flushTimeout)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			tl.onFlushTimeout(context.DeadlineExceeded)
		case <-ctx.Done():
			tl.onFlushTimeout(ctx.Err())
		}
	}

	tl.finishFlush(out, discard)
	return nil
}

// checkFlushDoneLocked signals a waiting flush once every thread has returned
// its chunk.
func (tl *TraceLog) checkFlushDoneLocked() {
	if !tl.flushing || tl.flushDone == nil || len(tl.liveBuffers) > 0 {
		return
	}
	close(tl.flushDone)
	tl.flushDone = nil
}

func (tl *TraceLog) onFlushTimeout(cause error) {
	tl.mtx.Lock()
	names := make([]string, 0, len(tl.liveBuffers))
	for _, th := range tl.liveBuffers {
		names = append(names, th.name)
	}
	tl.mtx.Unlock()

	slices.Sort(names)
	tl.logger.Warn("flush abandoned unresponsive threads, their events are lost",
		"threads", names,
		"timeout", tl.flushTimeout,
		"cause", cause,
	)
}

// finishFlush retires the buffer and hands it to the output stage. Threads
// that still hold chunks find that the generation has advanced, and discard
// them.
func (tl *TraceLog) finishFlush(out OutputFunc, discard bool) {
	tl.mtx.Lock()

	metadata := tl.pendingMetadata
	if metadata == nil {
		metadata = tl.buildMetadataLocked()
	}
	if tl.overflowed {
		metadata = append(metadata, tl.overflowEventLocked())
	}

	var argFilter ArgumentFilterPredicate
	if tl.pendingArgFilter {
		argFilter = tl.argFilter
	}

	tl.pendingMetadata = nil
	tl.pendingArgFilter = false
	retired := tl.useNextTraceBufferLocked()
	clear(tl.liveBuffers)
	tl.flushing = false
	tl.flushDone = nil

	tl.mtx.Unlock()

	if discard {
		out(nil, false)
		return
	}

	tl.convertToTraceFormat(retired, metadata, argFilter, out)
}

// convertToTraceFormat serializes metadata, then every event in the retired
// buffer, in batches of roughly outputBatchSize bytes.
func (tl *TraceLog) convertToTraceFormat(buf TraceBuffer, metadata []TraceEvent, argFilter ArgumentFilterPredicate, out OutputFunc) {
	var (
		sep  = tl.serializer.Separator()
		data = make([]byte, 0, outputBatchSize)
	)

	emit := func(ev *TraceEvent) {
		mark := len(data)
		switch {
		case len(data) >= outputBatchSize:
			out(data, true)
			data, mark = make([]byte, 0, outputBatchSize), 0
		case len(data) > 0:
			data = append(data, sep...)
		}

		next, err := tl.serializer.AppendEvent(data, ev, argFilter)
		if err != nil {
			tl.logger.Warn("dropping unserializable event", "category", ev.CategoryName(), "name", ev.Name, "err", err)
			data = data[:mark]
			return
		}
		data = next
	}

	for i := range metadata {
		emit(&metadata[i])
	}

	for chunk := buf.NextChunk(); chunk != nil; chunk = buf.NextChunk() {
		for i := 0; i < chunk.Len(); i++ {
			emit(chunk.EventAt(i))
		}
	}

	out(data, false)
}
