package corepool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// subPool is one per-affinity-key partition of the idle set, spec §4.2's
// "small unbounded queue" per key. Grounded in the per-P sharding idea from
// m3db-m3x's shardedObjectPool (per-partition local queue, steal-on-miss
// fallback), generalized here to an arbitrary caller-supplied key instead of
// a fixed GOMAXPROCS-sized array, since Go goroutines don't carry a stable
// native thread identity to shard on.
type subPool[T any] struct {
	idle    *mpscQueue[*Slot[T]]
	idleLen atomic.Int64
	popping atomic.Bool
}

func newSubPool[T any]() *subPool[T] {
	return &subPool[T]{idle: newMPSCQueue[*Slot[T]]()}
}

// pop is the single-consumer operation mpscQueue.pop requires a single
// caller at a time for. A sub-queue has no dedicated consumer goroutine the
// way the central idle/pending queues do (the drain owns those); it is
// popped both by the fast path, directly from an arbitrary Acquire caller's
// goroutine, and by the drain's cross-key steal in takeAnyIdle. popping is a
// non-blocking CAS spinlock guarding the one mpscQueue.pop call below: a
// caller that loses the race treats the sub-queue as a (possibly spurious)
// miss rather than waiting, which every caller of pop already handles by
// falling back to another sub-queue or the allocation path.
func (sp *subPool[T]) pop() (*Slot[T], bool) {
	if !sp.popping.CompareAndSwap(false, true) {
		return nil, false
	}
	s, ok := sp.idle.pop()
	sp.popping.Store(false)
	if ok {
		sp.idleLen.Add(-1)
	}
	return s, ok
}

func (sp *subPool[T]) push(s *Slot[T]) {
	sp.idle.push(s)
	sp.idleLen.Add(1)
}

// idlePushback remembers one speculatively-removed idle slot together with
// the key it came from, so it can be put back in the right sub-queue.
type idlePushback[T any] struct {
	slot    *Slot[T]
	key     int64
	present bool
}

func (p *idlePushback[T]) set(key int64, s *Slot[T]) {
	p.key, p.slot, p.present = key, s, true
}

func (p *idlePushback[T]) take() (*Slot[T], int64, bool) {
	if !p.present {
		return nil, 0, false
	}
	s, k := p.slot, p.key
	p.slot, p.present = nil, false
	return s, k, true
}

// setIdleBack and takeIdleBack keep idleBackLen in lockstep with idleBack's
// occupancy, so a slot resting in the pushback buffer still counts towards
// Stat().Idle instead of vanishing from it for as long as it sits there.
func (e *AffinityEngine[T]) setIdleBack(key int64, s *Slot[T]) {
	e.idleBack.set(key, s)
	e.idleBackLen.Add(1)
}

func (e *AffinityEngine[T]) takeIdleBack() (*Slot[T], int64, bool) {
	s, key, ok := e.idleBack.take()
	if ok {
		e.idleBackLen.Add(-1)
	}
	return s, key, ok
}

// AffinityEngine is the engine of spec §4.2: per-key idle sub-pools with a
// fast path that bypasses the central drain entirely, and a slow path that
// falls back to a central pending queue plus a drain loop that may pull from
// any sub-pool.
type AffinityEngine[T any] struct {
	cfg *Config[T]

	subPools    sync.Map // int64 -> *subPool[T]
	idleBack    idlePushback[T]
	idleBackLen atomic.Int64

	pending     *pendingHolder[T]
	pendingLen  atomic.Int64
	pendingBack pushbackSlot[*Borrower[T]]

	wip        atomic.Int64
	cap        *capacity
	acquired   atomic.Int64
	terminated atomic.Bool
}

func NewAffinityEngine[T any](ctx context.Context, cfg *Config[T]) (*AffinityEngine[T], error) {
	e := &AffinityEngine[T]{
		cfg:     cfg,
		pending: newPendingHolder[T](),
		cap:     newCapacity(cfg.SizeMax),
	}
	if err := e.preallocate(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *AffinityEngine[T]) preallocate(ctx context.Context) error {
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
	// Preallocated resources have no affinity history yet; key 0 is the
	// same default key used when Config.AffinityKey is nil, so a pool built
	// without an affinity key function still behaves sensibly.
	unclaimed := e.subPoolFor(0)
	for _, s := range built {
		unclaimed.push(s)
	}
	return nil
}

func (e *AffinityEngine[T]) subPoolFor(key int64) *subPool[T] {
	if v, ok := e.subPools.Load(key); ok {
		return v.(*subPool[T])
	}
	actual, _ := e.subPools.LoadOrStore(key, newSubPool[T]())
	return actual.(*subPool[T])
}

func (e *AffinityEngine[T]) affinityKey(ctx context.Context) int64 {
	if e.cfg.AffinityKey != nil {
		return e.cfg.AffinityKey(ctx)
	}
	return 0
}

// --- pending helpers (identical shape to QueueEngine's) -----------------

func (e *AffinityEngine[T]) popPending() (*Borrower[T], bool) {
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

// pushPendingBack re-queues a borrower already accounted for in pendingLen by
// the pop that removed it, so it must bump pendingLen back up itself -
// mirrors QueueEngine's pushPendingBack.
func (e *AffinityEngine[T]) pushPendingBack(b *Borrower[T]) {
	e.pendingBack.set(b)
	e.pendingLen.Add(1)
}

func (e *AffinityEngine[T]) pushPending(b *Borrower[T]) bool {
	if !e.pending.push(b) {
		return false
	}
	e.pendingLen.Add(1)
	return true
}

// --- public contract -----------------------------------------------------

// Acquire tries the fast path first: pop directly from the caller's own
// sub-queue with no WIP involvement at all. Only on a miss does it fall back
// to the slow path (central pending queue, shared drain).
func (e *AffinityEngine[T]) Acquire(ctx context.Context) (*Slot[T], error) {
	if e.pending.isTerminated() {
		return nil, ErrPoolShutDown
	}
	key := e.affinityKey(ctx)
	if s, ok := e.tryFastAcquire(key); ok {
		e.cfg.recorder().RecordFastPath()
		return s, nil
	}
	e.cfg.recorder().RecordSlowPath()

	b := NewBorrower[T](key)
	if !e.pushPending(b) {
		return nil, ErrPoolShutDown
	}
	e.drain()
	return b.Wait(ctx)
}

func (e *AffinityEngine[T]) tryFastAcquire(key int64) (*Slot[T], bool) {
	sp := e.subPoolFor(key)
	for {
		s, ok := sp.pop()
		if !ok {
			return nil, false
		}
		if e.shouldEvict(s) {
			e.destroyIdleSlot(s)
			continue
		}
		if !s.acquireForHandover() {
			continue
		}
		e.acquired.Add(1)
		s.MarkDelivered()
		return s, true
	}
}

func (e *AffinityEngine[T]) Release(ctx context.Context, s *Slot[T]) error {
	return e.releaseSlot(ctx, s, false, e.affinityKey(ctx))
}

func (e *AffinityEngine[T]) Invalidate(ctx context.Context, s *Slot[T]) error {
	return e.releaseSlot(ctx, s, true, e.affinityKey(ctx))
}

func (e *AffinityEngine[T]) Disposed() bool { return e.terminated.Load() }

func (e *AffinityEngine[T]) Dispose(ctx context.Context) {
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

	if s, _, ok := e.takeIdleBack(); ok {
		e.destroyIdleSlot(s)
	}
	e.subPools.Range(func(_, v any) bool {
		sp := v.(*subPool[T])
		for {
			s, ok := sp.pop()
			if !ok {
				break
			}
			e.destroyIdleSlot(s)
		}
		return true
	})
}

func (e *AffinityEngine[T]) Resize(newMax int64) error {
	if newMax <= 0 {
		return fmt.Errorf("resource pool: sizeMax must be positive, got %d", newMax)
	}
	e.cap.resize(newMax)
	e.drain()
	return nil
}

func (e *AffinityEngine[T]) Stat() Stats {
	idle := e.idleBackLen.Load()
	e.subPools.Range(func(_, v any) bool {
		idle += v.(*subPool[T]).idleLen.Load()
		return true
	})
	return Stats{
		Idle:    idle,
		Pending: e.pendingLen.Load(),
		InUse:   e.acquired.Load(),
		SizeMax: e.cap.maxCount(),
	}
}

// --- drain loop (slow path) ----------------------------------------------

func (e *AffinityEngine[T]) drain() {
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

func (e *AffinityEngine[T]) drainPass() {
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

// takeIdleAndPending pops the next pending borrower, then looks for an idle
// slot anywhere - the idleBack pushback buffer first, then its own preferred
// sub-queue, then any other sub-queue (spec §4.2: "the drain deposits a recycled slot into the
// releasing thread's sub-queue... When the drain pairs a pending borrower
// with an idle slot, it may choose any sub-queue's head").
func (e *AffinityEngine[T]) takeIdleAndPending() bool {
	b, ok := e.popPending()
	if !ok {
		return false
	}
	s, key, ok := e.takeAnyIdle(b.AffinityKey())
	if !ok {
		e.pushPendingBack(b)
		return false
	}
	if e.shouldEvict(s) {
		e.destroyIdleSlot(s)
		e.pushPendingBack(b)
		return true
	}
	if !b.Claim() {
		e.setIdleBack(key, s)
		return true
	}
	e.handOver(b, s)
	return true
}

func (e *AffinityEngine[T]) takeAnyIdle(preferredKey int64) (*Slot[T], int64, bool) {
	if s, key, ok := e.takeIdleBack(); ok {
		return s, key, true
	}
	if sp, ok := e.subPools.Load(preferredKey); ok {
		if s, ok := sp.(*subPool[T]).pop(); ok {
			return s, preferredKey, true
		}
	}
	var found *Slot[T]
	var foundKey int64
	e.subPools.Range(func(k, v any) bool {
		key := k.(int64)
		if key == preferredKey {
			return true
		}
		if s, ok := v.(*subPool[T]).pop(); ok {
			found, foundKey = s, key
			return false
		}
		return true
	})
	if found == nil {
		return nil, 0, false
	}
	return found, foundKey, true
}

func (e *AffinityEngine[T]) takeAllocate() bool {
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

func (e *AffinityEngine[T]) shouldEvict(s *Slot[T]) bool {
	if e.cfg.EvictionPredicate == nil {
		return false
	}
	return e.cfg.EvictionPredicate(s.Value, s.Metrics())
}

func (e *AffinityEngine[T]) handOver(b *Borrower[T], s *Slot[T]) {
	if !s.acquireForHandover() {
		e.cfg.logger().DPanic("idle slot was not AVAILABLE at handover", zap.Int32("state", int32(s.State())))
		return
	}
	e.acquired.Add(1)
	key := b.AffinityKey()
	e.cfg.deliverOn(func() {
		if !b.Deliver(s) {
			e.releaseSlot(context.Background(), s, false, key) //nolint:errcheck
		}
	})
}

func (e *AffinityEngine[T]) allocateAsync(b *Borrower[T]) {
	key := b.AffinityKey()
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
				e.releaseSlot(context.Background(), s, false, key) //nolint:errcheck
			}
		})
	}()
}

func (e *AffinityEngine[T]) releaseSlot(ctx context.Context, s *Slot[T], forceDestroy bool, key int64) error {
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

	s.finishRecycle(key)
	e.subPoolFor(key).push(s)
	e.cfg.recorder().RecordRecycled()
	// Kick the drain after depositing so a slow-path acquire racing against
	// this exact release observes the just-released slot instead of
	// allocating (spec §4.2 "Races").
	e.drain()
	return nil
}

func (e *AffinityEngine[T]) destroyAcquiredSlot(ctx context.Context, s *Slot[T]) {
	s.finishDestroy()
	e.cap.release()
	e.runDestroyHandler(ctx, s)
}

func (e *AffinityEngine[T]) destroyIdleSlot(s *Slot[T]) {
	s.finishDestroy()
	e.cap.release()
	e.runDestroyHandler(context.Background(), s)
}

func (e *AffinityEngine[T]) runDestroyHandler(ctx context.Context, s *Slot[T]) {
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

var _ Engine[int] = (*AffinityEngine[int])(nil)
