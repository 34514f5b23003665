package tracelog

import (
	"slices"

	"fortio.org/safecast"
	"github.com/peterbourgon/tracelog/internal/tldebug"
)

// TraceBuffer owns the chunks of one recording session. Implementations are
// not safe for concurrent use; the engine serializes all calls with its lock,
// except NextChunk, which is only called on a retired buffer.
type TraceBuffer interface {
	// CheckoutChunk returns a ready-to-write chunk and its index, or false if
	// no chunk is available.
	CheckoutChunk() (index uint32, chunk *EventChunk, ok bool)

	// ReturnChunk gives a chunk back to the buffer. Callers guarantee single
	// ownership; double returns aren't detected.
	ReturnChunk(index uint32, chunk *EventChunk)

	// IsFull returns true if further checkouts will be refused.
	IsFull() bool

	// NextChunk returns returned chunks in sequence order, and nil when done.
	NextChunk() *EventChunk

	// EventByHandle returns the event identified by the handle, or nil if the
	// chunk isn't held by the buffer or has been recycled since.
	EventByHandle(h Handle) *TraceEvent

	// Capacity returns the maximum number of events the buffer can hold.
	Capacity() int

	// Size returns the number of events in chunks held by the buffer.
	Size() int
}

const (
	ringBufferChunksDefault   = 1000
	vectorBufferChunksDefault = 256_000 / chunkSizeDefault
	echoBufferChunksDefault   = 256
	largeVectorEventsDefault  = 512_000_000
	largeVectorChunksDefault  = largeVectorEventsDefault / chunkSizeDefault
	minimumBufferChunks       = 1
)

// chunksForEvents returns the number of chunks needed to hold n events.
func chunksForEvents(n, chunkSize int) int {
	return max((n+chunkSize-1)/chunkSize, minimumBufferChunks)
}

// newTraceBuffer constructs the buffer for a record mode.
func newTraceBuffer(cfg TraceConfig, chunkSize int, counters *tldebug.ChunkCounters) TraceBuffer {
	var chunks int
	switch cfg.RecordMode {
	case RecordContinuously:
		chunks = ringBufferChunksDefault
	case EchoToConsole:
		chunks = echoBufferChunksDefault
	case RecordAsMuchAsPossible:
		chunks = largeVectorChunksDefault
	default:
		chunks = vectorBufferChunksDefault
	}
	if cfg.BufferSizeInEvents > 0 {
		chunks = chunksForEvents(cfg.BufferSizeInEvents, chunkSize)
	}

	switch cfg.RecordMode {
	case RecordContinuously, EchoToConsole:
		return newRingBuffer(chunks, chunkSize, counters)
	default:
		return newVectorBuffer(chunks, chunkSize, counters)
	}
}

//
//
//

// RingBuffer is a TraceBuffer that recycles the least recently returned chunk
// when a new one is needed. Checkouts never fail: if every chunk is checked
// out, the ring grows by one chunk.
type RingBuffer struct {
	chunkSize int
	chunks    []*EventChunk // by index, nil while checked out or before first use
	queue     []uint32      // recyclable chunk indexes, one spare slot
	head      int           // next index to check out
	tail      int           // next slot for a returned index
	seq       uint32
	counters  *tldebug.ChunkCounters
	drain     []*EventChunk
	drained   bool
}

var _ TraceBuffer = (*RingBuffer)(nil)

// NewRingBuffer returns a ring buffer of maxChunks chunks, each holding
// chunkSize events.
func NewRingBuffer(maxChunks, chunkSize int) *RingBuffer {
	return newRingBuffer(maxChunks, chunkSize, &tldebug.ChunkCounters{})
}

func newRingBuffer(maxChunks, chunkSize int, counters *tldebug.ChunkCounters) *RingBuffer {
	maxChunks = max(maxChunks, minimumBufferChunks)
	chunkSize = clampChunkSize(chunkSize)

	rb := &RingBuffer{
		chunkSize: chunkSize,
		chunks:    make([]*EventChunk, maxChunks),
		queue:     make([]uint32, maxChunks+1),
		counters:  counters,
	}

	// Every index starts out recyclable, with no chunk allocated.
	for i := range rb.chunks {
		rb.queue[i] = uint32(i)
	}
	rb.tail = maxChunks

	return rb
}

func (rb *RingBuffer) next(cur int) int {
	cur += 1
	if cur >= len(rb.queue) {
		cur -= len(rb.queue)
	}
	return cur
}

func (rb *RingBuffer) CheckoutChunk() (uint32, *EventChunk, bool) {
	if rb.head == rb.tail {
		rb.grow()
	}

	idx := rb.queue[rb.head]
	rb.head = rb.next(rb.head)

	seq := nextSeq(&rb.seq)
	chunk := rb.chunks[idx]
	rb.chunks[idx] = nil

	switch {
	case chunk == nil:
		chunk = newEventChunk(seq, rb.chunkSize)
		rb.counters.Alloc.Add(1)
	case chunk.Len() > 0:
		chunk.reset(seq)
		rb.counters.Recycle.Add(1)
	default:
		chunk.reset(seq)
	}

	rb.counters.Checkout.Add(1)
	return idx, chunk, true
}

// grow adds an empty chunk slot. Only called when no index is recyclable, so
// the queue can be rebuilt from scratch.
func (rb *RingBuffer) grow() {
	idx := uint32(len(rb.chunks))
	rb.chunks = append(rb.chunks, nil)
	rb.queue = make([]uint32, len(rb.chunks)+1)
	rb.queue[0] = idx
	rb.head, rb.tail = 0, 1
	rb.counters.Grow.Add(1)
}

func (rb *RingBuffer) ReturnChunk(idx uint32, chunk *EventChunk) {
	if int(idx) >= len(rb.chunks) || chunk == nil {
		return
	}
	rb.chunks[idx] = chunk
	rb.queue[rb.tail] = idx
	rb.tail = rb.next(rb.tail)
	rb.counters.Return.Add(1)
}

// IsFull is always false: a ring buffer only fills in the recycling sense.
func (rb *RingBuffer) IsFull() bool { return false }

func (rb *RingBuffer) NextChunk() *EventChunk {
	if !rb.drained {
		rb.drain = sortedChunks(rb.chunks)
		rb.drained = true
	}
	if len(rb.drain) <= 0 {
		return nil
	}
	chunk := rb.drain[0]
	rb.drain = rb.drain[1:]
	return chunk
}

func (rb *RingBuffer) EventByHandle(h Handle) *TraceEvent {
	return eventByHandle(rb.chunks, h)
}

func (rb *RingBuffer) Capacity() int { return len(rb.chunks) * rb.chunkSize }

func (rb *RingBuffer) Size() int { return countEvents(rb.chunks) }

//
//
//

// VectorBuffer is a TraceBuffer that allocates up to a fixed number of chunks,
// and refuses checkouts after that.
type VectorBuffer struct {
	chunkSize int
	maxChunks int
	chunks    []*EventChunk // by index, nil while checked out
	seq       uint32
	counters  *tldebug.ChunkCounters
	cur       int // NextChunk cursor
}

var _ TraceBuffer = (*VectorBuffer)(nil)

// NewVectorBuffer returns a vector buffer of at most maxChunks chunks, each
// holding chunkSize events.
func NewVectorBuffer(maxChunks, chunkSize int) *VectorBuffer {
	return newVectorBuffer(maxChunks, chunkSize, &tldebug.ChunkCounters{})
}

func newVectorBuffer(maxChunks, chunkSize int, counters *tldebug.ChunkCounters) *VectorBuffer {
	maxChunks = max(maxChunks, minimumBufferChunks)
	return &VectorBuffer{
		chunkSize: clampChunkSize(chunkSize),
		maxChunks: maxChunks,
		chunks:    make([]*EventChunk, 0, min(maxChunks, 1024)),
		counters:  counters,
	}
}

func (vb *VectorBuffer) CheckoutChunk() (uint32, *EventChunk, bool) {
	if vb.IsFull() {
		vb.counters.Refused.Add(1)
		return 0, nil, false
	}

	idx, err := safecast.Conv[uint32](len(vb.chunks))
	if err != nil {
		vb.counters.Refused.Add(1)
		return 0, nil, false
	}

	// The slot stays nil until the chunk is returned.
	vb.chunks = append(vb.chunks, nil)
	chunk := newEventChunk(nextSeq(&vb.seq), vb.chunkSize)

	vb.counters.Alloc.Add(1)
	vb.counters.Checkout.Add(1)
	return idx, chunk, true
}

func (vb *VectorBuffer) ReturnChunk(idx uint32, chunk *EventChunk) {
	if int(idx) >= len(vb.chunks) || chunk == nil {
		return
	}
	vb.chunks[idx] = chunk
	vb.counters.Return.Add(1)
}

func (vb *VectorBuffer) IsFull() bool { return len(vb.chunks) >= vb.maxChunks }

func (vb *VectorBuffer) NextChunk() *EventChunk {
	for vb.cur < len(vb.chunks) {
		chunk := vb.chunks[vb.cur]
		vb.cur++
		if chunk != nil {
			return chunk
		}
	}
	return nil
}

func (vb *VectorBuffer) EventByHandle(h Handle) *TraceEvent {
	return eventByHandle(vb.chunks, h)
}

func (vb *VectorBuffer) Capacity() int { return vb.maxChunks * vb.chunkSize }

func (vb *VectorBuffer) Size() int { return countEvents(vb.chunks) }

//
//
//

func clampChunkSize(n int) int {
	switch {
	case n <= 0:
		return chunkSizeDefault
	case n < chunkSizeMin:
		return chunkSizeMin
	case n > chunkSizeMax:
		return chunkSizeMax
	default:
		return n
	}
}

// nextSeq increments the sequence, skipping zero, which marks invalid handles.
func nextSeq(seq *uint32) uint32 {
	*seq += 1
	if *seq == 0 {
		*seq = 1
	}
	return *seq
}

func eventByHandle(chunks []*EventChunk, h Handle) *TraceEvent {
	if !h.IsValid() || int(h.ChunkIndex) >= len(chunks) {
		return nil
	}
	chunk := chunks[h.ChunkIndex]
	if chunk == nil || chunk.Seq() != h.ChunkSeq {
		return nil
	}
	return chunk.EventAt(int(h.EventIndex))
}

func countEvents(chunks []*EventChunk) (n int) {
	for _, c := range chunks {
		if c != nil {
			n += c.Len()
		}
	}
	return n
}

func sortedChunks(chunks []*EventChunk) []*EventChunk {
	res := make([]*EventChunk, 0, len(chunks))
	for _, c := range chunks {
		if c != nil && c.Len() > 0 {
			res = append(res, c)
		}
	}
	slices.SortFunc(res, func(a, b *EventChunk) int {
		switch {
		case a.Seq() < b.Seq():
			return -1
		case a.Seq() > b.Seq():
			return 1
		default:
			return 0
		}
	})
	return res
}
