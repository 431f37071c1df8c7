package corepool

import (
	"context"
	"sync/atomic"
)

// borrowerState models §4.3 of the spec: INIT/SUBSCRIBED are collapsed into
// pending (a Borrower only exists once subscribed - construction and
// enqueue happen together), CLAIMED is the drain's exclusive hold before
// delivery, and DELIVERED/CANCELLED/FAILED are terminal.
type borrowerState int32

const (
	borrowerPending borrowerState = iota
	borrowerClaimed
	borrowerDelivered
	borrowerCancelled
	borrowerFailed
)

// borrowerResult is the single message ever sent on a Borrower's channel.
type borrowerResult[T any] struct {
	slot *Slot[T]
	err  error
}

// Borrower is a lock-free one-shot handle representing a single pending
// acquire request, modeled after the CAS-state / single-fire-channel shape of
// a cold, cancellable promise (cf. the joeycumines/go-eventloop Promise,
// which uses the same atomic-int32 state plus exactly-once settle pattern).
type Borrower[T any] struct {
	state       atomic.Int32
	resultCh    chan borrowerResult[T]
	affinityKey int64 // 0 for the queue engine; caller's affinity key otherwise
}

// NewBorrower allocates a pending borrower. affinityKey is ignored by the
// queue engine and used by the affinity engine to route delivery.
func NewBorrower[T any](affinityKey int64) *Borrower[T] {
	b := &Borrower[T]{
		resultCh:    make(chan borrowerResult[T], 1),
		affinityKey: affinityKey,
	}
	b.state.Store(int32(borrowerPending))
	return b
}

func (b *Borrower[T]) AffinityKey() int64 { return b.affinityKey }

// Claim is the drain's attempt to take exclusive ownership of this borrower
// before it can allocate or hand over a slot. It fails silently if a
// concurrent Cancel already won the race, per spec §4.1 ("claim() uses CAS so
// that a concurrently-cancelled borrower is silently skipped").
func (b *Borrower[T]) Claim() bool {
	return b.state.CompareAndSwap(int32(borrowerPending), int32(borrowerClaimed))
}

// Cancel marks the borrower cancelled. It returns true if the borrower had
// already been claimed by the drain when cancellation landed - the caller
// (Acquire's context-cancellation path) uses this only for diagnostics; the
// actual "claimed-then-cancelled" recovery happens in Deliver, which is the
// single place that decides whether a slot must be bounced back into the
// pool instead of handed to the (now absent) consumer.
func (b *Borrower[T]) Cancel() (wasClaimed bool) {
	for {
		s := borrowerState(b.state.Load())
		switch s {
		case borrowerDelivered, borrowerFailed, borrowerCancelled:
			return false
		}
		if b.state.CompareAndSwap(int32(s), int32(borrowerCancelled)) {
			return s == borrowerClaimed
		}
	}
}

// Unclaim reverts Claimed back to Pending. Used by the drain when, having
// already claimed a borrower, it discovers it cannot actually proceed (no
// capacity available for the allocation it was about to start) and needs to
// put the borrower back for a later drain pass. Returns false if a
// concurrent Cancel already moved the borrower out of Claimed, in which case
// there is nothing to put back.
func (b *Borrower[T]) Unclaim() bool {
	return b.state.CompareAndSwap(int32(borrowerClaimed), int32(borrowerPending))
}

// Deliver attempts to hand slot to the borrower's consumer. It returns false
// if the borrower was cancelled between Claim and Deliver, in which case the
// caller (the drain, or the allocation pipeline) must recycle slot via the
// ordinary release path instead - this is the "cancel-after-claim" race from
// spec §4.3/§4.4.
func (b *Borrower[T]) Deliver(slot *Slot[T]) bool {
	if !b.state.CompareAndSwap(int32(borrowerClaimed), int32(borrowerDelivered)) {
		return false
	}
	slot.MarkDelivered()
	b.resultCh <- borrowerResult[T]{slot: slot}
	return true
}

// Fail attempts to deliver an error to the borrower's consumer. Returns false
// if the borrower was already cancelled (no one is listening any more).
func (b *Borrower[T]) Fail(err error) bool {
	for {
		s := borrowerState(b.state.Load())
		if s == borrowerCancelled || s == borrowerDelivered || s == borrowerFailed {
			return false
		}
		if b.state.CompareAndSwap(int32(s), int32(borrowerFailed)) {
			b.resultCh <- borrowerResult[T]{err: err}
			return true
		}
	}
}

// Wait blocks until the borrower settles (delivered or failed) or ctx is
// done, in which case Wait cancels the borrower itself and returns ctx's
// error. This is the suspension point named in spec §5 ("Inside acquire: the
// borrower suspends until drain delivers or pool terminates").
func (b *Borrower[T]) Wait(ctx context.Context) (*Slot[T], error) {
	select {
	case r := <-b.resultCh:
		return r.slot, r.err
	case <-ctx.Done():
		if b.Cancel() {
			// Claimed but not yet delivered: the drain (or allocation
			// pipeline) will discover the cancellation in Deliver and
			// recycle the slot instead of leaking it. Acquire is not
			// required to block past cancellation to see that happen; the
			// result channel is buffered, so a late Deliver/Fail never
			// blocks even though nothing reads it again.
			return nil, ctx.Err()
		}
		// Either the borrower was still pending (now cancelled, nothing will
		// arrive) or it already settled just as ctx fired. Prefer a real
		// settlement over the cancellation when there is one.
		select {
		case r := <-b.resultCh:
			return r.slot, r.err
		default:
			return nil, ctx.Err()
		}
	}
}
