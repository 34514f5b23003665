package tldebug_test

import (
	"testing"

	"github.com/peterbourgon/tracelog/internal/tldebug"
)

func TestChunkCountersReusePercent(t *testing.T) {
	t.Parallel()

	var cc tldebug.ChunkCounters
	if want, have := 0.0, cc.ReusePercent(); want != have {
		t.Errorf("empty: want %v, have %v", want, have)
	}

	for i := 0; i < 4; i++ {
		cc.Checkout.Add(1)
	}
	cc.Alloc.Add(1)

	if want, have := 75.0, cc.ReusePercent(); want != have {
		t.Errorf("want %v, have %v", want, have)
	}

	snap := cc.Snapshot()
	if want, have := uint64(4), snap.Checkout; want != have {
		t.Errorf("checkout: want %d, have %d", want, have)
	}
}
