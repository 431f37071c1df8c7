package corepool

import "sync/atomic"

// capacity bounds the total number of live resources (idle + acquired) at
// sizeMax, implementing spec §3's "|idle| + inUse ≤ sizeMax" and §5's
// "permits is a pair of monotonic counters compared-and-swapped" as a plain
// CAS loop over two atomics - no channel, no mutex. It is consulted only
// when the drain is about to invoke the allocator for a brand new resource;
// handing an already-idle slot to a borrower never touches it, because no
// new resource comes into existence in that path.
type capacity struct {
	max  atomic.Int64
	live atomic.Int64
}

func newCapacity(max int64) *capacity {
	c := &capacity{}
	c.max.Store(max)
	return c
}

// tryReserve attempts to account for one more live resource. False means the
// pool is at sizeMax and the caller must not allocate.
func (c *capacity) tryReserve() bool {
	for {
		cur := c.live.Load()
		max := c.max.Load()
		if cur >= max {
			return false
		}
		if c.live.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// release gives back one unit of live-resource accounting; called exactly
// once per resource that is actually destroyed, and once per reservation
// whose allocation failed.
func (c *capacity) release() {
	c.live.Add(-1)
}

func (c *capacity) remaining() int64 {
	r := c.max.Load() - c.live.Load()
	if r < 0 {
		return 0
	}
	return r
}

func (c *capacity) liveCount() int64 { return c.live.Load() }
func (c *capacity) maxCount() int64  { return c.max.Load() }

// resize adjusts the ceiling. Shrinking never forcibly destroys existing
// resources (no priority/eviction-on-resize is in scope); it only changes
// the bound future allocations are checked against.
func (c *capacity) resize(newMax int64) {
	c.max.Store(newMax)
}
