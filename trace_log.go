package tracelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/tracelog/internal/tldebug"
	"github.com/peterbourgon/tracelog/internal/tlpubsub"
)

// DefaultFlushTimeout is how long a flush waits for threads to return their
// chunks, unless overridden with WithFlushTimeout.
const DefaultFlushTimeout = 3 * time.Second

var errNoThreadBuffer = errors.New("thread can't hold a buffer")

var sessionIDEntropy = ulid.DefaultEntropy()

// TraceLog is the trace event engine. It owns the category registry, the
// active buffer, the set of threads holding chunks, and the enabled state.
//
// The zero value isn't usable; construct engines with New.
type TraceLog struct {
	// Immutable after New.
	logger       *slog.Logger
	chunkSize    int
	flushTimeout time.Duration
	serializer   Serializer
	echo         io.Writer
	argFilter    ArgumentFilterPredicate
	exporter     PlatformExporter
	threadTime   func(*Thread) time.Duration
	instructions func(*Thread) int64
	pid          int
	epoch        time.Time
	predicates   map[string]EventFilterFactory
	categories   *CategoryRegistry
	broker       *tlpubsub.Broker[TraceEvent]
	counters     tldebug.ChunkCounters

	// Read without the lock on the hot path, written with it.
	generation atomic.Uint64
	bufferFull atomic.Bool
	echoing    atomic.Bool
	filters    atomic.Pointer[[]EventFilter]

	echoMtx sync.Mutex

	mtx               sync.Mutex
	enabledModes      Mode
	config            TraceConfig
	filterConfigs     []EventFilterConfig
	buffer            TraceBuffer
	sessionID         ulid.ULID
	numTraces         int
	sharedChunk       *EventChunk
	sharedChunkIndex  uint32
	liveBuffers       map[int]*Thread
	nextThreadID      int
	threadNames       map[int]string
	threadSortIndexes map[int]int
	flushing          bool
	flushDone         chan struct{}
	dispatching       bool
	shutdown          bool
	overflowed        bool
	overflowAt        time.Duration
	pendingMetadata   []TraceEvent
	pendingArgFilter  bool
	metadataEvents    []TraceEvent
	processName       string
	processSortIndex  *int
	processLabels     map[int]string
	observers         []EnabledStateObserver
	asyncObservers    []asyncObserver
}

// New returns a disabled engine.
func New(options ...Option) *TraceLog {
	tl := &TraceLog{
		logger:            slog.Default(),
		chunkSize:         chunkSizeDefault,
		flushTimeout:      DefaultFlushTimeout,
		serializer:        JSONSerializer{},
		echo:              os.Stderr,
		pid:               os.Getpid(),
		epoch:             time.Now(),
		predicates:        builtinPredicates(),
		categories:        NewCategoryRegistry(),
		broker:            tlpubsub.NewBroker[TraceEvent](),
		liveBuffers:       map[int]*Thread{},
		threadNames:       map[int]string{},
		threadSortIndexes: map[int]int{},
		processLabels:     map[int]string{},
	}
	for _, option := range options {
		option(tl)
	}
	tl.chunkSize = clampChunkSize(tl.chunkSize)
	tl.buffer = newTraceBuffer(tl.config, tl.chunkSize, &tl.counters)
	return tl
}

var (
	defaultMtx      sync.Mutex
	defaultTraceLog *TraceLog
)

// Default returns the process-wide engine, constructing it on first use.
func Default() *TraceLog {
	defaultMtx.Lock()
	defer defaultMtx.Unlock()
	if defaultTraceLog == nil {
		defaultTraceLog = New()
	}
	return defaultTraceLog
}

// SetDefault replaces the process-wide engine. It's mostly useful in tests.
func SetDefault(tl *TraceLog) {
	defaultMtx.Lock()
	defer defaultMtx.Unlock()
	defaultTraceLog = tl
}

func (tl *TraceLog) now() time.Duration {
	return time.Since(tl.epoch)
}

// Serializer returns the serializer used by flushes.
func (tl *TraceLog) Serializer() Serializer { return tl.serializer }

// Epoch returns the wall clock time that event timestamps are relative to.
func (tl *TraceLog) Epoch() time.Time {
	return tl.epoch
}

//
//
//

// GetCategory returns the category with the given name, creating it with a
// state derived from the current configuration if necessary. The returned
// category is valid for the life of the engine, and its state can be checked
// from any goroutine without locking.
func (tl *TraceLog) GetCategory(name string) *Category {
	if c := tl.categories.Lookup(name); c != nil {
		return c
	}

	tl.mtx.Lock()
	defer tl.mtx.Unlock()

	if tl.shutdown {
		return tl.categories.shutdown
	}

	return tl.categories.GetOrCreateLocked(name, tl.updateCategoryStateLocked)
}

// ForEachCategory calls fn for every registered category.
func (tl *TraceLog) ForEachCategory(fn func(*Category)) {
	tl.categories.ForEach(fn)
}

// updateCategoryStateLocked recomputes the state of one category from the
// enabled modes, the trace config, and the event filters.
func (tl *TraceLog) updateCategoryStateLocked(c *Category) {
	if tl.categories.isBuiltin(c) {
		c.set(0, 0)
		return
	}

	var state uint8
	if tl.enabledModes&RecordingMode != 0 && tl.config.Categories.IsCategoryGroupEnabled(c.name) {
		state |= StateEnabledForRecording
	}

	var bitmap uint32
	if tl.enabledModes&FilteringMode != 0 {
		for i, fc := range tl.filterConfigs {
			if fc.Categories.IsCategoryGroupEnabled(c.name) {
				bitmap |= 1 << i
			}
		}
		if bitmap != 0 {
			state |= StateEnabledForFiltering
		}
	}

	if tl.exporter != nil && !tl.shutdown && tl.exporter.IsCategoryEnabled(c.name) {
		state |= StateEnabledForPlatformExport
	}

	c.set(state, bitmap)
}

func (tl *TraceLog) updateCategoryRegistryLocked() {
	tl.categories.ForEach(tl.updateCategoryStateLocked)
	tl.echoing.Store(tl.enabledModes&RecordingMode != 0 && tl.config.RecordMode == EchoToConsole)
}

//
//
//

// SetEnabled enables the given modes with the config. If recording is already
// enabled, the config is merged into the current one; otherwise it replaces
// it. Event filters are only installed if filtering wasn't already enabled.
// Starting to record installs a fresh buffer and notifies observers.
func (tl *TraceLog) SetEnabled(cfg TraceConfig, modes Mode) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if modes&FilteringMode != 0 && len(cfg.EventFilters) <= 0 {
		return fmt.Errorf("%w: filtering mode requires event filters", ErrInvalidConfig)
	}

	var filters []EventFilter
	if modes&FilteringMode != 0 {
		fs, err := tl.buildEventFilters(cfg.EventFilters)
		if err != nil {
			return err
		}
		filters = fs
	}

	tl.mtx.Lock()

	switch {
	case tl.shutdown:
		tl.mtx.Unlock()
		return ErrShutdown
	case tl.dispatching:
		tl.mtx.Unlock()
		tl.logger.Warn("cannot enable tracing while notifying observers")
		return ErrObserverDispatch
	case tl.flushing:
		tl.mtx.Unlock()
		tl.logger.Warn("cannot enable tracing while a flush is in progress")
		return ErrFlushInProgress
	}

	wasRecording := tl.enabledModes&RecordingMode != 0
	if modes&RecordingMode != 0 {
		if wasRecording {
			tl.config.Merge(cfg)
		} else {
			tl.config = cfg.Clone()
		}
	}

	if modes&FilteringMode != 0 && tl.enabledModes&FilteringMode == 0 {
		tl.filterConfigs = cfg.Clone().EventFilters
		tl.filters.Store(&filters)
	}

	tl.enabledModes |= modes
	tl.updateCategoryRegistryLocked()

	if modes&RecordingMode == 0 || wasRecording {
		tl.mtx.Unlock()
		return nil
	}

	tl.useNextTraceBufferLocked()
	tl.numTraces++
	tl.sessionID = ulid.MustNew(ulid.Timestamp(time.Now()), sessionIDEntropy)
	tl.dispatching = true
	observers, async := tl.observers, tl.asyncObservers
	tl.logger.Debug("tracing enabled", "config", tl.config.String(), "session", tl.sessionID.String())
	tl.mtx.Unlock()

	tl.notifyObservers(observers, async, true)

	tl.mtx.Lock()
	tl.dispatching = false
	tl.mtx.Unlock()

	return nil
}

// SetDisabled disables the given modes. Disabling recording captures the
// metadata for the session, and notifies observers.
func (tl *TraceLog) SetDisabled(modes Mode) error {
	tl.mtx.Lock()

	switch {
	case tl.dispatching:
		tl.mtx.Unlock()
		tl.logger.Warn("cannot disable tracing while notifying observers")
		return ErrObserverDispatch
	case tl.flushing:
		tl.mtx.Unlock()
		tl.logger.Warn("cannot disable tracing while a flush is in progress")
		return ErrFlushInProgress
	case tl.enabledModes&modes == 0:
		tl.mtx.Unlock()
		return nil
	}

	wasRecording := tl.enabledModes&RecordingMode != 0
	tl.enabledModes &^= modes

	if modes&FilteringMode != 0 {
		tl.filterConfigs = nil
		tl.filters.Store(nil)
	}

	if modes&RecordingMode != 0 {
		tl.pendingMetadata = tl.buildMetadataLocked()
		tl.pendingArgFilter = tl.config.EnableArgumentFilter
		tl.config = TraceConfig{}
	}

	tl.updateCategoryRegistryLocked()

	if !wasRecording || modes&RecordingMode == 0 {
		tl.mtx.Unlock()
		return nil
	}

	tl.dispatching = true
	observers, async := tl.observers, tl.asyncObservers
	tl.logger.Debug("tracing disabled", "session", tl.sessionID.String())
	tl.mtx.Unlock()

	tl.notifyObservers(observers, async, false)

	tl.mtx.Lock()
	tl.dispatching = false
	tl.mtx.Unlock()

	return nil
}

// EnabledModes returns the currently enabled modes.
func (tl *TraceLog) EnabledModes() Mode {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	return tl.enabledModes
}

// IsEnabled returns true if recording is enabled.
func (tl *TraceLog) IsEnabled() bool {
	return tl.EnabledModes()&RecordingMode != 0
}

// TraceConfig returns a copy of the current recording config.
func (tl *TraceLog) TraceConfig() TraceConfig {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	return tl.config.Clone()
}

// SessionID identifies the most recent recording session.
func (tl *TraceLog) SessionID() ulid.ULID {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	return tl.sessionID
}

// NumTracesRecorded returns the number of times recording has been started.
func (tl *TraceLog) NumTracesRecorded() int {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	return tl.numTraces
}

// useNextTraceBufferLocked installs a fresh buffer for the current config and
// advances the generation, so that chunks held for the previous buffer are
// discarded rather than returned. It returns the previous buffer.
func (tl *TraceLog) useNextTraceBufferLocked() TraceBuffer {
	prev := tl.buffer

	if tl.sharedChunk != nil {
		tl.counters.Lost.Add(1)
		tl.sharedChunk = nil
	}

	next := newTraceBuffer(tl.config, tl.chunkSize, &tl.counters)
	if n, ok := next.(sequencer); ok {
		if p, ok := prev.(sequencer); ok {
			n.setSeqBase(p.lastSeq())
		}
	}

	tl.buffer = next
	tl.generation.Add(1)
	tl.bufferFull.Store(false)
	tl.overflowed = false
	tl.overflowAt = 0

	return prev
}

// sequencer is implemented by buffers whose chunk sequence numbers continue
// from the previous buffer, so that a stale handle never resolves to an event
// in a newer session.
type sequencer interface {
	lastSeq() uint32
	setSeqBase(uint32)
}

func (rb *RingBuffer) lastSeq() uint32         { return rb.seq }
func (rb *RingBuffer) setSeqBase(seq uint32)   { rb.seq = seq }
func (vb *VectorBuffer) lastSeq() uint32       { return vb.seq }
func (vb *VectorBuffer) setSeqBase(seq uint32) { vb.seq = seq }

//
//
//

// registerThreadBuffer gives the thread an empty buffer for the current
// generation, and adds it to the live set. It fails while a flush is draining
// threads, because the flush wouldn't know to wait for it.
func (tl *TraceLog) registerThreadBuffer(th *Thread) bool {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()

	if tl.flushing {
		return false
	}

	th.buf = &threadBuffer{generation: tl.generation.Load()}
	tl.liveBuffers[th.id] = th
	return true
}

func (tl *TraceLog) checkoutChunkLocked(generation uint64) (uint32, *EventChunk, error) {
	if generation != tl.generation.Load() {
		return 0, nil, errNoThreadBuffer
	}

	idx, chunk, ok := tl.buffer.CheckoutChunk()
	if !ok {
		tl.noteBufferFullLocked()
		return 0, nil, ErrBufferFull
	}

	return idx, chunk, nil
}

func (tl *TraceLog) returnChunkLocked(generation uint64, idx uint32, chunk *EventChunk) {
	if generation != tl.generation.Load() {
		tl.counters.Lost.Add(1)
		return
	}
	tl.buffer.ReturnChunk(idx, chunk)
}

func (tl *TraceLog) noteBufferFullLocked() {
	if !tl.buffer.IsFull() {
		return
	}
	tl.bufferFull.Store(true)
	if !tl.overflowed {
		tl.overflowed = true
		tl.overflowAt = tl.now()
		tl.logger.Warn("trace buffer full, dropping events", "capacity", tl.buffer.Capacity())
	}
}

func (tl *TraceLog) reserveSharedEventLocked() (*TraceEvent, Handle, error) {
	if tl.sharedChunk != nil && tl.sharedChunk.IsFull() {
		tl.buffer.ReturnChunk(tl.sharedChunkIndex, tl.sharedChunk)
		tl.sharedChunk = nil
	}

	if tl.sharedChunk == nil {
		if tl.bufferFull.Load() {
			return nil, Handle{}, ErrBufferFull
		}
		idx, chunk, err := tl.checkoutChunkLocked(tl.generation.Load())
		if err != nil {
			return nil, Handle{}, err
		}
		tl.sharedChunkIndex, tl.sharedChunk = idx, chunk
	}

	ev, i := tl.sharedChunk.addEvent()
	if ev == nil {
		return nil, Handle{}, ErrBufferFull
	}

	return ev, Handle{ChunkSeq: tl.sharedChunk.Seq(), ChunkIndex: tl.sharedChunkIndex, EventIndex: i}, nil
}

func (tl *TraceLog) eventByHandleLocked(h Handle) *TraceEvent {
	if c := tl.sharedChunk; c != nil && c.Seq() == h.ChunkSeq && tl.sharedChunkIndex == h.ChunkIndex {
		return c.EventAt(int(h.EventIndex))
	}
	return tl.buffer.EventByHandle(h)
}

func (tl *TraceLog) returnSharedChunkLocked() {
	if tl.sharedChunk == nil {
		return
	}
	tl.buffer.ReturnChunk(tl.sharedChunkIndex, tl.sharedChunk)
	tl.sharedChunk = nil
}

//
//
//

// AddTraceEvent adds an event in the category. If the category isn't enabled,
// it does nothing and returns a zero handle and no error. Otherwise, the event
// is passed to applicable event filters, and recorded if recording is enabled
// for the category and at least one filter accepted it.
//
// Events from a thread are written to its own chunk without the engine lock.
// Events with a nil thread, from a thread that blocks its task queue, or with
// an explicit foreign thread ID, are written to a shared chunk under the lock.
//
// The returned errors are lossy outcomes that callers can ignore:
// ErrBufferFull when a bounded buffer is exhausted, and ErrReentrant when the
// thread is already adding an event.
func (tl *TraceLog) AddTraceEvent(th *Thread, phase Phase, cat *Category, name string, p EventParams) (Handle, error) {
	if cat == nil {
		return Handle{}, nil
	}

	state := cat.State()
	if state == 0 {
		return Handle{}, nil
	}

	if th != nil {
		if th.inEvent {
			return Handle{}, ErrReentrant
		}
		th.inEvent = true
		defer func() { th.inEvent = false }()
	}

	ts := tl.now()
	if p.Flags&FlagExplicitTimestamp != 0 {
		ts = p.Timestamp
	}

	var (
		threadTS     time.Duration
		instructions int64
		tid          int
	)
	if th != nil {
		tid = th.id
		if tl.threadTime != nil {
			threadTS = tl.threadTime(th)
		}
		if tl.instructions != nil {
			instructions = tl.instructions(th)
		}
	}
	if p.ThreadID != 0 {
		tid = p.ThreadID
	}

	pid := tl.pid
	if p.Flags&FlagHasProcessID != 0 {
		pid = p.ProcessID
	}

	var ev TraceEvent
	ev.initialize(ts, threadTS, instructions, phase, cat, name, pid, tid, &p)

	disabledByFilters := false
	if state&StateEnabledForFiltering != 0 {
		disabledByFilters = true
		tl.forEachFilter(cat, func(f EventFilter) {
			if f.FilterTraceEvent(&ev) {
				disabledByFilters = false
			}
		})
	}

	if state&StateEnabledForPlatformExport != 0 && tl.exporter != nil {
		tl.exporter.ExportEvent(&ev)
	}

	if state&StateEnabledForRecording == 0 || disabledByFilters {
		return Handle{}, nil
	}

	h, err := tl.recordEvent(th, &ev)
	if err != nil {
		return Handle{}, err
	}

	if tl.echoing.Load() {
		tl.echoEvent(&ev)
	}

	return h, nil
}

func (tl *TraceLog) recordEvent(th *Thread, ev *TraceEvent) (Handle, error) {
	if th != nil && !th.blocks && !th.isClosed() && ev.ThreadID == th.id {
		slot, h, err := th.reserveEvent()
		switch {
		case err == nil:
			*slot = *ev
			return h, nil
		case errors.Is(err, errNoThreadBuffer):
			// Use the shared chunk.
		default:
			return Handle{}, err
		}
	}

	tl.mtx.Lock()
	defer tl.mtx.Unlock()

	slot, h, err := tl.reserveSharedEventLocked()
	if err != nil {
		return Handle{}, err
	}

	*slot = *ev
	return h, nil
}

func (tl *TraceLog) forEachFilter(cat *Category, fn func(EventFilter)) {
	bitmap := cat.Filters()
	fp := tl.filters.Load()
	if bitmap == 0 || fp == nil {
		return
	}
	for i, f := range *fp {
		if bitmap&(1<<i) != 0 {
			fn(f)
		}
	}
}

// UpdateTraceEventDuration closes the complete event identified by the handle,
// by setting its duration to the time since it began. If the handle no longer
// resolves, e.g. because its chunk was recycled or flushed, it does nothing.
// Applicable event filters are told that the event ended.
func (tl *TraceLog) UpdateTraceEventDuration(th *Thread, cat *Category, name string, h Handle) {
	if cat == nil {
		return
	}

	state := cat.State()
	if state == 0 {
		return
	}

	if th != nil {
		if th.inEvent {
			return
		}
		th.inEvent = true
		defer func() { th.inEvent = false }()
	}

	var (
		now          = tl.now()
		threadNow    time.Duration
		instructions int64
	)
	if th != nil {
		if tl.threadTime != nil {
			threadNow = tl.threadTime(th)
		}
		if tl.instructions != nil {
			instructions = tl.instructions(th)
		}
	}

	if state&StateEnabledForRecording != 0 && h.IsValid() {
		var (
			end   TraceEvent
			found bool
		)
		tl.withEventByHandle(th, h, func(ev *TraceEvent) {
			ev.updateDuration(now, threadNow, instructions)
			end, found = *ev, true
		})

		// The callback may run under the engine lock, so echo after it returns.
		if found && tl.echoing.Load() {
			end.Phase = PhaseEnd
			end.Timestamp = now
			tl.echoEvent(&end)
		}
	}

	if state&StateEnabledForFiltering != 0 {
		tl.forEachFilter(cat, func(f EventFilter) { f.EndEvent(cat.Name(), name) })
	}
}

// setDuration sets an explicit duration on an open complete event.
func (tl *TraceLog) setDuration(th *Thread, h Handle, d time.Duration) {
	tl.withEventByHandle(th, h, func(ev *TraceEvent) {
		if ev.Phase == PhaseComplete && ev.Duration < 0 {
			ev.Duration = max(d, 0)
		}
	})
}

// withEventByHandle resolves the handle via the thread's own chunk, then the
// shared chunk and the active buffer under the lock.
func (tl *TraceLog) withEventByHandle(th *Thread, h Handle, fn func(*TraceEvent)) {
	if th != nil {
		if ev := th.eventByHandle(h); ev != nil {
			fn(ev)
			return
		}
	}

	tl.mtx.Lock()
	defer tl.mtx.Unlock()

	if ev := tl.eventByHandleLocked(h); ev != nil {
		fn(ev)
	}
}

//
//
//

// Subscribe receives copies of events published by stream_predicate filters
// into ch, until the context is canceled or the engine is shut down. Sends
// are non-blocking: events that ch can't accept immediately are dropped, and
// counted in the returned stats.
func (tl *TraceLog) Subscribe(ctx context.Context, allow func(TraceEvent) bool, ch chan<- TraceEvent) (StreamStats, error) {
	stats, err := tl.broker.Subscribe(ctx, allow, ch)
	if errors.Is(err, tlpubsub.ErrClosed) {
		err = ErrShutdown
	}
	return stats, err
}

// StreamStats returns the current stats of an active subscription.
func (tl *TraceLog) StreamStats(ch chan<- TraceEvent) (StreamStats, error) {
	return tl.broker.Stats(ch)
}

// StreamStats counts the events offered to a subscriber.
type StreamStats = tlpubsub.Stats

// ChunkCounts is a snapshot of chunk operation counters.
type ChunkCounts = tldebug.Snapshot

// TraceLogStatus is a snapshot of buffer usage.
type TraceLogStatus struct {
	EventCapacity int `json:"event_capacity"`
	EventCount    int `json:"event_count"`
}

// GetStatus returns the capacity of the active buffer, and the number of
// events held by it. Events in chunks held by threads aren't counted.
func (tl *TraceLog) GetStatus() TraceLogStatus {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	return TraceLogStatus{
		EventCapacity: tl.buffer.Capacity(),
		EventCount:    tl.buffer.Size(),
	}
}

// BufferUsage returns the fraction (0..1) of the active buffer in use.
func (tl *TraceLog) BufferUsage() float64 {
	s := tl.GetStatus()
	if s.EventCapacity <= 0 {
		return 0
	}
	return float64(s.EventCount) / float64(s.EventCapacity)
}

// ChunkStats returns counters for chunk operations across all buffers.
func (tl *TraceLog) ChunkStats() ChunkCounts {
	return tl.counters.Snapshot()
}

// Shutdown disables every mode, discards buffered events, and ends every
// subscription. Afterwards the engine is permanently inert.
func (tl *TraceLog) Shutdown(ctx context.Context) error {
	if err := tl.CancelTracing(ctx, nil); err != nil && !errors.Is(err, ErrShutdown) {
		return err
	}

	tl.broker.Close()

	tl.mtx.Lock()
	defer tl.mtx.Unlock()

	tl.shutdown = true
	tl.updateCategoryRegistryLocked()

	return nil
}
