package tldebug

import "sync/atomic"

// ChunkCounters track chunk operations on a trace buffer.
type ChunkCounters struct {
	Checkout atomic.Uint64 // successful checkouts
	Alloc    atomic.Uint64 // checkouts that allocated a new chunk
	Recycle  atomic.Uint64 // checkouts that discarded an old chunk's events
	Return   atomic.Uint64 // chunks returned to the buffer
	Lost     atomic.Uint64 // chunks dropped because their session ended
	Refused  atomic.Uint64 // checkouts refused because the buffer was full
	Grow     atomic.Uint64 // ring checkouts that added a chunk
}

// ReusePercent returns the percent (0..100) of checkouts that didn't allocate.
func (cc *ChunkCounters) ReusePercent() float64 {
	var (
		checkout = cc.Checkout.Load()
		alloc    = cc.Alloc.Load()
		reuse    = checkout - alloc
	)
	if checkout <= 0 || alloc > checkout {
		return 0.0
	}
	return 100 * float64(reuse) / float64(checkout)
}

// Snapshot is a point-in-time copy of chunk counters.
type Snapshot struct {
	Checkout     uint64  `json:"checkout"`
	Alloc        uint64  `json:"alloc"`
	Recycle      uint64  `json:"recycle"`
	Return       uint64  `json:"return"`
	Lost         uint64  `json:"lost"`
	Refused      uint64  `json:"refused"`
	Grow         uint64  `json:"grow"`
	ReusePercent float64 `json:"reuse_percent"`
}

// Snapshot returns the current values of the counters.
func (cc *ChunkCounters) Snapshot() Snapshot {
	return Snapshot{
		Checkout:     cc.Checkout.Load(),
		Alloc:        cc.Alloc.Load(),
		Recycle:      cc.Recycle.Load(),
		Return:       cc.Return.Load(),
		Lost:         cc.Lost.Load(),
		Refused:      cc.Refused.Load(),
		Grow:         cc.Grow.Load(),
		ReusePercent: cc.ReusePercent(),
	}
}
