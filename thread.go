package tracelog

import (
	"context"
	"sync"
	"time"
)

const threadTaskQueueSize = 64

// Thread is the per-thread slot of a producer. It holds at most one chunk
// checked out from the active buffer, and a task queue that the engine uses to
// ask the thread to give that chunk back during a flush.
//
// A thread is owned by a single goroutine at a time. Only the owner may add
// events, run tasks, or close the thread. Tasks are executed when the owner
// calls RunPending or Run; a thread whose owner never does so is abandoned by
// a flush after the flush timeout.
type Thread struct {
	tl    *TraceLog
	id    int
	name  string
	tasks chan func()
	done  chan struct{}
	once  sync.Once

	// Owned by the goroutine driving the thread.
	buf     *threadBuffer
	inEvent bool
	blocks  bool
}

// threadBuffer is the thread-local event buffer: the chunk a thread writes to
// without taking the engine lock, and the generation it was created in.
type threadBuffer struct {
	generation uint64
	index      uint32
	chunk      *EventChunk
}

// NewThread registers a new producer thread with the given name, which is
// reported in thread_name metadata.
func (tl *TraceLog) NewThread(name string) *Thread {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()

	tl.nextThreadID++
	th := &Thread{
		tl:    tl,
		id:    tl.nextThreadID,
		name:  name,
		tasks: make(chan func(), threadTaskQueueSize),
		done:  make(chan struct{}),
	}
	tl.threadNames[th.id] = name
	return th
}

// ID returns the thread ID used in events.
func (th *Thread) ID() int { return th.id }

// Name returns the thread name.
func (th *Thread) Name() string { return th.name }

// TraceLog returns the engine the thread belongs to.
func (th *Thread) TraceLog() *TraceLog { return th.tl }

// SetBlocksTaskQueue declares that the thread is about to stop running tasks
// for a while, e.g. because it's blocked on I/O. The thread's chunk is returned
// immediately, and until the thread is closed its events are written to the
// shared chunk, so that flushes never need to wait for it.
func (th *Thread) SetBlocksTaskQueue() {
	th.blocks = true
	th.dropBuffer(true)
}

// SetSortIndex sets the thread_sort_index metadata for the thread.
func (th *Thread) SetSortIndex(index int) {
	th.tl.mtx.Lock()
	defer th.tl.mtx.Unlock()
	th.tl.threadSortIndexes[th.id] = index
}

// PostTask queues fn to run on the thread. It returns false if the thread is
// closed or its queue is full.
func (th *Thread) PostTask(fn func()) bool {
	select {
	case <-th.done:
		return false
	default:
	}

	select {
	case th.tasks <- fn:
		return true
	default:
		return false
	}
}

// RunPending runs every queued task, and returns the number it ran.
func (th *Thread) RunPending() int {
	var n int
	for {
		select {
		case fn := <-th.tasks:
			fn()
			n++
		default:
			return n
		}
	}
}

// Run executes tasks as they're posted, until the context is canceled or the
// thread is closed.
func (th *Thread) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-th.done:
			return nil
		case fn := <-th.tasks:
			fn()
		}
	}
}

// Close is the thread exit callback. It returns the thread's chunk to the
// active buffer, and stops accepting tasks. Pending tasks are discarded.
func (th *Thread) Close() {
	th.once.Do(func() {
		th.dropBuffer(true)
		close(th.done)
	})
}

func (th *Thread) isClosed() bool {
	select {
	case <-th.done:
		return true
	default:
		return false
	}
}

// reserveEvent returns a slot in the thread's chunk, checking out a new chunk
// under the engine lock if necessary. It returns errNoThreadBuffer if the
// thread can't hold a buffer right now, in which case the caller should use
// the shared chunk.
func (th *Thread) reserveEvent() (*TraceEvent, Handle, error) {
	tl := th.tl

	// A buffer from a previous session is discarded rather than reused.
	if th.buf != nil && th.buf.generation != tl.generation.Load() {
		th.dropBuffer(false)
	}

	if th.buf == nil {
		if !tl.registerThreadBuffer(th) {
			return nil, Handle{}, errNoThreadBuffer
		}
	}

	b := th.buf
	if b.chunk != nil && b.chunk.IsFull() {
		tl.mtx.Lock()
		tl.returnChunkLocked(b.generation, b.index, b.chunk)
		tl.mtx.Unlock()
		b.chunk = nil
	}

	if b.chunk == nil {
		if tl.bufferFull.Load() {
			return nil, Handle{}, ErrBufferFull
		}

		tl.mtx.Lock()
		idx, chunk, err := tl.checkoutChunkLocked(b.generation)
		tl.mtx.Unlock()
		if err != nil {
			return nil, Handle{}, err
		}

		b.index, b.chunk = idx, chunk
	}

	ev, i := b.chunk.addEvent()
	if ev == nil {
		return nil, Handle{}, ErrBufferFull // chunk size misconfiguration
	}

	return ev, Handle{ChunkSeq: b.chunk.Seq(), ChunkIndex: b.index, EventIndex: i}, nil
}

// eventByHandle returns the event if the handle refers to the chunk the thread
// currently holds.
func (th *Thread) eventByHandle(h Handle) *TraceEvent {
	b := th.buf
	if b == nil || b.chunk == nil {
		return nil
	}
	if b.chunk.Seq() != h.ChunkSeq || b.index != h.ChunkIndex {
		return nil
	}
	return b.chunk.EventAt(int(h.EventIndex))
}

// dropBuffer destroys the thread-local buffer. If ret is true, the chunk is
// returned to the active buffer, provided it belongs to the current session.
func (th *Thread) dropBuffer(ret bool) {
	tl, b := th.tl, th.buf
	if b == nil {
		return
	}
	th.buf = nil

	tl.mtx.Lock()
	defer tl.mtx.Unlock()

	if b.chunk != nil {
		if ret {
			tl.returnChunkLocked(b.generation, b.index, b.chunk)
		} else {
			tl.counters.Lost.Add(1)
		}
	}

	if tl.liveBuffers[th.id] == th {
		delete(tl.liveBuffers, th.id)
	}

	tl.checkFlushDoneLocked()
}

// flushTask is posted to a thread by a flush for the given generation.
func (th *Thread) flushTask(generation uint64) func() {
	return func() {
		tl := th.tl
		switch {
		case th.buf != nil && th.buf.generation > generation:
			return // buffer for a later session
		case th.buf != nil:
			th.dropBuffer(true)
		default:
			tl.mtx.Lock()
			defer tl.mtx.Unlock()
			if tl.liveBuffers[th.id] == th {
				delete(tl.liveBuffers, th.id)
			}
			tl.checkFlushDoneLocked()
		}
	}
}

//
//
//

// Region adds a complete event in the category, and returns a function that
// closes it by setting its duration.
//
//	defer th.Region(cat, "load")()
func (th *Thread) Region(cat *Category, name string, args ...Arg) (end func()) {
	h, _ := th.tl.AddTraceEvent(th, PhaseComplete, cat, name, EventParams{Args: args})
	return func() { th.tl.UpdateTraceEventDuration(th, cat, name, h) }
}

// Begin adds a begin event.
func (th *Thread) Begin(cat *Category, name string, args ...Arg) {
	th.tl.AddTraceEvent(th, PhaseBegin, cat, name, EventParams{Args: args})
}

// End adds an end event.
func (th *Thread) End(cat *Category, name string, args ...Arg) {
	th.tl.AddTraceEvent(th, PhaseEnd, cat, name, EventParams{Args: args})
}

// Instant adds a thread-scoped instant event.
func (th *Thread) Instant(cat *Category, name string, args ...Arg) {
	th.tl.AddTraceEvent(th, PhaseInstant, cat, name, EventParams{Flags: FlagScopeThread, Args: args})
}

// Complete adds a complete event with an explicit start and duration.
func (th *Thread) Complete(cat *Category, name string, start, duration time.Duration, args ...Arg) {
	h, err := th.tl.AddTraceEvent(th, PhaseComplete, cat, name, EventParams{
		Timestamp: start,
		Flags:     FlagExplicitTimestamp,
		Args:      args,
	})
	if err != nil || !h.IsValid() {
		return
	}
	th.tl.setDuration(th, h, duration)
}

// Counter adds a counter event with the given named series values.
func (th *Thread) Counter(cat *Category, name string, series ...Arg) {
	th.tl.AddTraceEvent(th, PhaseCounter, cat, name, EventParams{Args: series})
}

// AddTraceEvent is a convenience for TraceLog.AddTraceEvent on this thread.
func (th *Thread) AddTraceEvent(phase Phase, cat *Category, name string, p EventParams) (Handle, error) {
	return th.tl.AddTraceEvent(th, phase, cat, name, p)
}

// UpdateDuration is a convenience for TraceLog.UpdateTraceEventDuration on
// this thread.
func (th *Thread) UpdateDuration(cat *Category, name string, h Handle) {
	th.tl.UpdateTraceEventDuration(th, cat, name, h)
}

//
//
//

type threadContextKey struct{}

// WithThread returns a context carrying the thread. A goroutine that calls
// Flush with such a context drains its own thread inline.
func WithThread(ctx context.Context, th *Thread) context.Context {
	return context.WithValue(ctx, threadContextKey{}, th)
}

// ThreadFrom returns the thread in the context, or nil.
func ThreadFrom(ctx context.Context) *Thread {
	th, _ := ctx.Value(threadContextKey{}).(*Thread)
	return th
}
