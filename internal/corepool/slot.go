package corepool

import (
	"sync/atomic"
	"time"
)

// SlotState is the monotonic lifecycle of a Slot. AVAILABLE -> ACQUIRED is the
// only way in; from ACQUIRED a slot either goes back to AVAILABLE (recycled)
// or to DESTROYED (terminal). RELEASING is a transient state that exists
// purely to make the release-handler invocation exactly-once: Release and
// Invalidate both attempt the ACQUIRED->RELEASING transition via CAS, and
// only the caller that wins it may run the release/destroy handler.
type SlotState int32

const (
	StateAvailable SlotState = iota
	StateAcquired
	StateReleasing
	StateDestroyed
)

// Metrics is the read-only view of a Slot's bookkeeping, published to the
// eviction predicate and to callers that inspect a PooledRef.
type Metrics struct {
	CreatedAt     time.Time
	AcquireCount  int64
	LastReleaseAt time.Time
}

// Slot is the internal wrapper around one live resource of type T. It is
// owned by exactly one of: the idle set, a live borrower, or the destroy
// pipeline, at any instant; ownership transfers happen only inside the WIP
// drain or the affinity engine's fast path (idle->borrower) or inside
// Release/Invalidate (borrower->idle or borrower->destroy).
type Slot[T any] struct {
	Value T

	createdAt        time.Time
	acquireCount     atomic.Int64
	lastReleaseNanos atomic.Int64
	state            atomic.Int32

	// affinityKey records which affinity key last released this slot, so the
	// affinity engine can deposit it back into the same sub-queue. Unused
	// (left zero) by the queue engine.
	affinityKey atomic.Int64
}

// NewSlot wraps a freshly allocated resource in ACQUIRED state: the
// allocation pipeline hands a new slot straight to a borrower, so it never
// passes through AVAILABLE first.
func NewSlot[T any](value T) *Slot[T] {
	s := &Slot[T]{Value: value, createdAt: time.Now()}
	s.state.Store(int32(StateAcquired))
	return s
}

// NewIdleSlot wraps a freshly allocated resource directly in AVAILABLE state,
// used by preallocation: resources built eagerly at construction time sit in
// the idle set until the first drain pairs them with a borrower, and are
// never "delivered" before that.
func NewIdleSlot[T any](value T) *Slot[T] {
	s := &Slot[T]{Value: value, createdAt: time.Now()}
	s.state.Store(int32(StateAvailable))
	return s
}

func (s *Slot[T]) State() SlotState { return SlotState(s.state.Load()) }

// MarkDelivered increments the acquire counter; called once per successful
// handover to a borrower (both the allocate path and the idle-handover path).
func (s *Slot[T]) MarkDelivered() {
	s.acquireCount.Add(1)
}

// Metrics returns a snapshot safe to hand to the eviction predicate.
func (s *Slot[T]) Metrics() Metrics {
	nanos := s.lastReleaseNanos.Load()
	var last time.Time
	if nanos != 0 {
		last = time.Unix(0, nanos)
	}
	return Metrics{
		CreatedAt:     s.createdAt,
		AcquireCount:  s.acquireCount.Load(),
		LastReleaseAt: last,
	}
}

// beginRelease performs the one-shot ACQUIRED->RELEASING transition. Only one
// caller (per acquisition cycle) ever observes true; any concurrent or
// repeated Release/Invalidate call observes false and must treat the slot as
// already handled.
func (s *Slot[T]) beginRelease() bool {
	return s.state.CompareAndSwap(int32(StateAcquired), int32(StateReleasing))
}

// finishRecycle transitions RELEASING->AVAILABLE and stamps lastReleaseAt.
// Must only be called after a successful beginRelease.
func (s *Slot[T]) finishRecycle(affinityKey int64) {
	s.lastReleaseNanos.Store(time.Now().UnixNano())
	s.affinityKey.Store(affinityKey)
	s.state.Store(int32(StateAvailable))
}

// finishDestroy transitions to DESTROYED unconditionally; DESTROYED is
// terminal regardless of the state the slot was in (idle slots at shutdown
// are destroyed directly from AVAILABLE, not via beginRelease).
func (s *Slot[T]) finishDestroy() {
	s.state.Store(int32(StateDestroyed))
}

// acquireForHandover performs the AVAILABLE->ACQUIRED transition taken by the
// drain when handing an idle slot to a claimed borrower.
func (s *Slot[T]) acquireForHandover() bool {
	return s.state.CompareAndSwap(int32(StateAvailable), int32(StateAcquired))
}

func (s *Slot[T]) AffinityKey() int64 { return s.affinityKey.Load() }
