package tracelog

import (
	"fortio.org/safecast"
)

const (
	chunkSizeMin     = 1
	chunkSizeDefault = 64
	chunkSizeMax     = 1024
)

// EventChunk is a fixed-capacity, append-only array of events, plus the
// sequence number assigned when it was checked out. A chunk is owned by
// exactly one of a thread, a buffer, or the output stage at any time.
type EventChunk struct {
	seq    uint32
	n      int
	events []TraceEvent // fully allocated at construction
}

func newEventChunk(seq uint32, size int) *EventChunk {
	return &EventChunk{
		seq:    seq,
		events: make([]TraceEvent, size),
	}
}

// Seq returns the chunk's sequence number.
func (c *EventChunk) Seq() uint32 { return c.seq }

// Len returns the number of events written.
func (c *EventChunk) Len() int { return c.n }

// Cap returns the fixed capacity.
func (c *EventChunk) Cap() int { return len(c.events) }

// IsFull returns true if no more events can be written.
func (c *EventChunk) IsFull() bool { return c.n >= len(c.events) }

// EventAt returns the i'th written event, or nil.
func (c *EventChunk) EventAt(i int) *TraceEvent {
	if i < 0 || i >= c.n {
		return nil
	}
	return &c.events[i]
}

// reset prepares a recycled chunk for a new owner.
func (c *EventChunk) reset(seq uint32) {
	for i := 0; i < c.n; i++ {
		c.events[i].reset()
	}
	c.seq = seq
	c.n = 0
}

// addEvent reserves the next slot, returning it and its index, or nil if the
// chunk is full.
func (c *EventChunk) addEvent() (*TraceEvent, uint16) {
	if c.IsFull() {
		return nil, 0
	}
	idx, err := safecast.Conv[uint16](c.n)
	if err != nil {
		return nil, 0
	}
	ev := &c.events[c.n]
	c.n++
	return ev, idx
}
