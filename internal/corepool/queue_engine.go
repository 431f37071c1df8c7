package corepool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// QueueEngine is the central-drain engine of spec §4.1: one MPSC idle queue,
// one MPSC pending queue, reconciled by a single work-in-progress-guarded
// drain loop. Delivery is FIFO on pending, modulo cancellation skips.
//
// The only mutex-free serialization primitive is wip: whichever goroutine's
// increment takes it from 0 to 1 becomes the sole active drainer; every
// other concurrent caller just bumps wip and returns, trusting the active
// drainer to notice and loop again. This is the textbook trampoline from
// spec §9, the same shape as the teacher's single "pool maintainer"
// goroutine, generalized here to run inline on whichever caller's thread
// wins the race rather than a dedicated background goroutine.
type QueueEngine[T any] struct {
	cfg *Config[T]

	idle     *mpscQueue[*Slot[T]]
	idleLen  atomic.Int64
	idleBack pushbackSlot[*Slot[T]]

	pending     *pendingHolder[T]
	pendingLen  atomic.Int64
	pendingBack pushbackSlot[*Borrower[T]]

	wip        atomic.Int64
	cap        *capacity
	acquired   atomic.Int64
	terminated atomic.Bool
}

// NewQueueEngine validates nothing beyond what Config.Validate already did
// and eagerly allocates Config.InitialSize resources, aborting construction
// if any allocation fails (spec §6: "any failure aborts construction").
func NewQueueEngine[T any](ctx context.Context, cfg *Config[T]) (*QueueEngine[T], error) {
	e := &QueueEngine[T]{
		cfg:     cfg,
		idle:    newMPSCQueue[*Slot[T]](),
		pending: newPendingHolder[T](),
		cap:     newCapacity(cfg.SizeMax),
	}
	if err := e.preallocate(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *QueueEngine[T]) preallocate(ctx context.Context) error {
	built := make([]*Slot[T], 0, e.cfg.InitialSize)
	for i := 0; i < e.cfg.InitialSize; i++ {
		if !e.cap.tryReserve() {
			break
		}
		v, err := callAllocator(ctx, e.cfg.Allocator)
		if err != nil {
			e.cap.release()
			for _, s := range built {
				e.cap.release()
				e.runDestroyHandler(ctx, s)
			}
			return fmt.Errorf("resource pool: initial allocation failed: %w", err)
		}
		built = append(built, NewIdleSlot(v))
	}
	for _, s := range built {
		e.pushIdle(s)
	}
	return nil
}

// --- idle helpers -----------------------------------------------------

func (e *QueueEngine[T]) popIdle() (*Slot[T], bool) {
	if s, ok := e.idleBack.take(); ok {
		e.idleLen.Add(-1)
		return s, true
	}
	if s, ok := e.idle.pop(); ok {
		e.idleLen.Add(-1)
		return s, true
	}
	return nil, false
}

// pushIdleBack re-queues a slot already accounted for in idleLen by the pop
// that removed it, so it must bump idleLen back up itself rather than
// leaving the pushback buffer uncounted (Stat().Idle would otherwise
// under-report whenever a slot rests there).
func (e *QueueEngine[T]) pushIdleBack(s *Slot[T]) {
	e.idleBack.set(s)
	e.idleLen.Add(1)
}

func (e *QueueEngine[T]) pushIdle(s *Slot[T]) {
	e.idle.push(s)
	e.idleLen.Add(1)
}

// --- pending helpers ---------------------------------------------------

func (e *QueueEngine[T]) popPending() (*Borrower[T], bool) {
	if b, ok := e.pendingBack.take(); ok {
		e.pendingLen.Add(-1)
		return b, true
	}
	if b, ok := e.pending.pop(); ok {
		e.pendingLen.Add(-1)
		return b, true
	}
	return nil, false
}

// pushPendingBack mirrors pushIdleBack: the pop that produced b already
// decremented pendingLen, so putting it back must restore the count.
func (e *QueueEngine[T]) pushPendingBack(b *Borrower[T]) {
	e.pendingBack.set(b)
	e.pendingLen.Add(1)
}

func (e *QueueEngine[T]) pushPending(b *Borrower[T]) bool {
	if !e.pending.push(b) {
		return false
	}
	e.pendingLen.Add(1)
	return true
}

// --- public contract -----------------------------------------------------

func (e *QueueEngine[T]) Acquire(ctx context.Context) (*Slot[T], error) {
	if e.pending.isTerminated() {
		return nil, ErrPoolShutDown
	}
	b := NewBorrower[T](0)
	if !e.pushPending(b) {
		return nil, ErrPoolShutDown
	}
	e.drain()
	return b.Wait(ctx)
}

func (e *QueueEngine[T]) Release(ctx context.Context, s *Slot[T]) error {
	return e.releaseSlot(ctx, s, false)
}

func (e *QueueEngine[T]) Invalidate(ctx context.Context, s *Slot[T]) error {
	return e.releaseSlot(ctx, s, true)
}

func (e *QueueEngine[T]) Disposed() bool { return e.terminated.Load() }

func (e *QueueEngine[T]) Dispose(ctx context.Context) {
	oldQueue, did := e.pending.terminate()
	if !did {
		return
	}
	e.terminated.Store(true)

	if b, ok := e.pendingBack.take(); ok {
		b.Fail(ErrPoolShutDown)
	}
	for {
		b, ok := oldQueue.pop()
		if !ok {
			break
		}
		b.Fail(ErrPoolShutDown)
	}

	for {
		s, ok := e.popIdle()
		if !ok {
			break
		}
		e.destroyIdleSlot(s)
	}
}

func (e *QueueEngine[T]) Resize(newMax int64) error {
	if newMax <= 0 {
		return fmt.Errorf("resource pool: sizeMax must be positive, got %d", newMax)
	}
	e.cap.resize(newMax)
	e.drain()
	return nil
}

func (e *QueueEngine[T]) Stat() Stats {
	return Stats{
		Idle:    e.idleLen.Load(),
		Pending: e.pendingLen.Load(),
		InUse:   e.acquired.Load(),
		SizeMax: e.cap.maxCount(),
	}
}

// --- drain loop ------------------------------------------------------

func (e *QueueEngine[T]) drain() {
	if e.wip.Add(1) != 1 {
		return
	}
	missed := int64(1)
	for {
		e.drainPass()
		missed = e.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

// drainPass processes every pairing/allocation/eviction currently available,
// mirroring spec §4.1's loop body but run to exhaustion per pass rather than
// once per wip-window: liveness is equivalent either way (every push kicks
// its own drain call), and running to exhaustion avoids needing an unrelated
// future push to surface a backlog that was already fully resolvable.
func (e *QueueEngine[T]) drainPass() {
	for {
		if e.takeIdleAndPending() {
			continue
		}
		if e.takeAllocate() {
			continue
		}
		return
	}
}

// takeIdleAndPending implements the idleCount>0 && pendingCount>0 branch of
// §4.1, plus the on-handover eviction check. Returns true if it made forward
// progress and the caller should loop again.
func (e *QueueEngine[T]) takeIdleAndPending() bool {
	s, ok := e.popIdle()
	if !ok {
		return false
	}
	if e.shouldEvict(s) {
		e.destroyIdleSlot(s)
		return true
	}
	b, ok := e.popPending()
	if !ok {
		e.pushIdleBack(s)
		return false
	}
	if !b.Claim() {
		// Already-cancelled borrower sitting in the queue: skip it, try the
		// same slot against whatever comes next.
		e.pushIdleBack(s)
		return true
	}
	e.handOver(b, s)
	return true
}

// takeAllocate implements the idleCount==0 && pendingCount>0 && capacity>0
// branch of §4.1.
func (e *QueueEngine[T]) takeAllocate() bool {
	if e.cap.remaining() <= 0 {
		return false
	}
	b, ok := e.popPending()
	if !ok {
		return false
	}
	if !b.Claim() {
		return true
	}
	if !e.cap.tryReserve() {
		if b.Unclaim() {
			e.pushPendingBack(b)
		}
		return false
	}
	e.allocateAsync(b)
	return true
}

func (e *QueueEngine[T]) shouldEvict(s *Slot[T]) bool {
	if e.cfg.EvictionPredicate == nil {
		return false
	}
	return e.cfg.EvictionPredicate(s.Value, s.Metrics())
}

// handOver transfers ownership of an idle slot to a claimed borrower.
func (e *QueueEngine[T]) handOver(b *Borrower[T], s *Slot[T]) {
	if !s.acquireForHandover() {
		e.cfg.logger().DPanic("idle slot was not AVAILABLE at handover", zap.Int32("state", int32(s.State())))
		return
	}
	e.acquired.Add(1)
	e.cfg.deliverOn(func() {
		if !b.Deliver(s) {
			// Cancel raced in between Claim and Deliver (spec §4.3): route
			// the slot through the release pipeline as though the borrower
			// had released it immediately.
			e.releaseSlot(context.Background(), s, false) //nolint:errcheck
		}
	})
}

func (e *QueueEngine[T]) allocateAsync(b *Borrower[T]) {
	go func() {
		start := time.Now()
		v, err := callAllocator(context.Background(), e.cfg.Allocator)
		dur := time.Since(start)
		if err != nil {
			e.cap.release()
			e.cfg.recorder().RecordAllocationFailureAndLatency(dur)
			b.Fail(&AllocationError{Cause: err})
			e.drain()
			return
		}
		e.cfg.recorder().RecordAllocationSuccessAndLatency(dur)
		s := NewSlot(v)
		if e.terminated.Load() {
			// Dispose landed while the allocator ran: the claimed borrower
			// fails and the fresh resource is destroyed.
			e.destroyAcquiredSlot(context.Background(), s)
			b.Fail(ErrPoolShutDown)
			return
		}
		e.acquired.Add(1)
		e.cfg.deliverOn(func() {
			if !b.Deliver(s) {
				// Borrower cancelled during allocation (spec §4.4 step 5):
				// the freshly built resource still passes through release.
				e.releaseSlot(context.Background(), s, false) //nolint:errcheck
			}
		})
	}()
}

// releaseSlot is the single path by which an ACQUIRED slot stops being
// acquired, used by the public Release/Invalidate, the post-cancel bounce in
// handOver/allocateAsync, and (implicitly, via the terminated check) any
// release that lands after Dispose.
func (e *QueueEngine[T]) releaseSlot(ctx context.Context, s *Slot[T], forceDestroy bool) error {
	if !s.beginRelease() {
		return ErrAlreadyReleased
	}
	e.acquired.Add(-1)

	if e.terminated.Load() || forceDestroy {
		e.destroyAcquiredSlot(ctx, s)
		e.drain()
		return nil
	}

	if e.cfg.ReleaseHandler != nil {
		start := time.Now()
		err := callReleaseHandler(ctx, e.cfg.ReleaseHandler, s.Value)
		e.cfg.recorder().RecordResetLatency(time.Since(start))
		if err != nil {
			e.destroyAcquiredSlot(ctx, s)
			e.drain()
			return &ReleaseHandlerError{Cause: err}
		}
	}

	if e.shouldEvict(s) {
		e.destroyAcquiredSlot(ctx, s)
		e.drain()
		return nil
	}

	s.finishRecycle(0)
	e.pushIdle(s)
	e.cfg.recorder().RecordRecycled()
	e.drain()
	return nil
}

func (e *QueueEngine[T]) destroyAcquiredSlot(ctx context.Context, s *Slot[T]) {
	s.finishDestroy()
	e.cap.release()
	e.runDestroyHandler(ctx, s)
}

func (e *QueueEngine[T]) destroyIdleSlot(s *Slot[T]) {
	s.finishDestroy()
	e.cap.release()
	e.runDestroyHandler(context.Background(), s)
}

func (e *QueueEngine[T]) runDestroyHandler(ctx context.Context, s *Slot[T]) {
	if e.cfg.DestroyHandler == nil {
		return
	}
	go func() {
		start := time.Now()
		err := callDestroyHandler(ctx, e.cfg.DestroyHandler, s.Value)
		e.cfg.recorder().RecordDestroyLatency(time.Since(start))
		if err != nil {
			e.cfg.logger().Warn("destroy handler failed", zap.Error(err))
		}
	}()
}

var _ Engine[int] = (*QueueEngine[int])(nil)
