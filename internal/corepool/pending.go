package corepool

import (
	"runtime"
	"sync/atomic"
)

// pendingHolder wraps the central pending-borrower queue behind an atomic
// pointer that gets CASed to a private sentinel value on shutdown, per spec
// §9 ("Sentinel-terminated pending: the pending queue reference is CASed to
// a known empty sentinel on shutdown; this atomically both drains pending
// and rejects future enqueues").
//
// inflight closes the window between a pusher's "is it terminated" read and
// its enqueue: push counts itself in before loading ptr, so terminate can
// wait out every push that started before its CAS instead of racing one that
// lands on the about-to-be-abandoned queue after the drain has already
// walked it empty.
type pendingHolder[T any] struct {
	ptr        atomic.Pointer[mpscQueue[*Borrower[T]]]
	terminated *mpscQueue[*Borrower[T]]
	inflight   atomic.Int64
}

func newPendingHolder[T any]() *pendingHolder[T] {
	h := &pendingHolder[T]{terminated: &mpscQueue[*Borrower[T]]{}}
	h.ptr.Store(newMPSCQueue[*Borrower[T]]())
	return h
}

// push enqueues b. Returns false if the pool has already been disposed, in
// which case the caller never entered the queue and must fail immediately.
func (h *pendingHolder[T]) push(b *Borrower[T]) bool {
	h.inflight.Add(1)
	defer h.inflight.Add(-1)
	q := h.ptr.Load()
	if q == h.terminated {
		return false
	}
	q.push(b)
	return true
}

func (h *pendingHolder[T]) pop() (*Borrower[T], bool) {
	q := h.ptr.Load()
	if q == h.terminated {
		return nil, false
	}
	return q.pop()
}

// terminate CASes the live queue to the sentinel. It returns the queue that
// was live at the moment of the winning transition (so the caller can drain
// it) and whether this call performed the transition at all - only the
// first caller across all racing Dispose calls gets did == true.
func (h *pendingHolder[T]) terminate() (live *mpscQueue[*Borrower[T]], did bool) {
	for {
		cur := h.ptr.Load()
		if cur == h.terminated {
			return nil, false
		}
		if h.ptr.CompareAndSwap(cur, h.terminated) {
			// Any push that loaded ptr before this CAS already incremented
			// inflight; wait for every such push to finish enqueueing onto
			// cur before handing it to the caller for draining. A push that
			// increments inflight after the CAS above will load ptr and see
			// the sentinel, so it cannot land on cur once this wait returns.
			for h.inflight.Load() != 0 {
				runtime.Gosched()
			}
			return cur, true
		}
	}
}

func (h *pendingHolder[T]) isTerminated() bool {
	return h.ptr.Load() == h.terminated
}
