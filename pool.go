// Package pool is a lock-free, async-first resource pool. Acquire never
// blocks a mutex: a single work-in-progress counter serializes the matching
// of waiting callers against idle resources and allocation capacity, the way
// a drain loop would in a reactive stream library, rather than the
// hold-a-mutex-and-scan approach of a classic pool.
package pool

import (
	"context"

	"go.uber.org/zap"

	"github.com/posidoni/resource-pool/internal/corepool"
	"github.com/posidoni/resource-pool/metrics"
)

// Re-exported so callers never need to import the internal package.
var (
	ErrPoolShutDown    = corepool.ErrPoolShutDown
	ErrAlreadyReleased = corepool.ErrAlreadyReleased
)

// AllocationError wraps a failure from the allocator supplied in Config.
type AllocationError = corepool.AllocationError

// ReleaseHandlerError wraps a failure from the release handler supplied in Config.
type ReleaseHandlerError = corepool.ReleaseHandlerError

// AllocatorFunc lazily produces one new T. It may fail.
type AllocatorFunc[T any] func(ctx context.Context) (T, error)

// ReleaseHandlerFunc cleans a T before it is recycled. Returning an error
// destroys the resource instead of recycling it.
type ReleaseHandlerFunc[T any] func(ctx context.Context, value T) error

// DestroyHandlerFunc finalizes a T on eviction or shutdown. Errors are
// logged, never surfaced to a caller.
type DestroyHandlerFunc[T any] func(ctx context.Context, value T) error

// Metrics is the read-only bookkeeping attached to a held resource.
type Metrics = corepool.Metrics

// EvictionPredicateFunc decides, at handover time, whether a released
// resource should be destroyed rather than recycled.
type EvictionPredicateFunc[T any] func(value T, m Metrics) bool

// AffinityKeyFunc extracts an affinity key from the calling context. Only
// consulted when Config.ThreadAffinity is set.
type AffinityKeyFunc func(ctx context.Context) int64

// Config configures a pool. Allocator and SizeMax are required; everything
// else has a usable zero value.
type Config[T any] struct {
	// Allocator builds one new resource. Required.
	Allocator AllocatorFunc[T]

	// InitialSize resources are built eagerly by New, before it returns.
	InitialSize int

	// SizeMax bounds the total number of live resources, idle plus acquired.
	// Required, must be positive.
	SizeMax int64

	// ReleaseHandler resets a resource between uses. Optional.
	ReleaseHandler ReleaseHandlerFunc[T]

	// DestroyHandler finalizes a resource on eviction or shutdown. Optional.
	DestroyHandler DestroyHandlerFunc[T]

	// EvictionPredicate is consulted on every handover (both directions);
	// returning true destroys the resource instead of reusing it. Optional.
	EvictionPredicate EvictionPredicateFunc[T]

	// AcquisitionScheduler, if set, is used to run the callback that settles
	// a waiting Acquire instead of running it inline on the drain goroutine -
	// e.g. to hop onto a specific event loop. Optional.
	AcquisitionScheduler func(func())

	// MetricsRecorder receives pool event counts and latencies. Optional,
	// defaults to a no-op recorder.
	MetricsRecorder metrics.Recorder

	// ThreadAffinity switches the engine from a single central queue to
	// per-key sub-pools, trading FIFO-ness for a lock-free, drain-free fast
	// path when a caller's own key already has an idle resource.
	ThreadAffinity bool

	// AffinityKey derives the affinity key from a caller's context. Required
	// when ThreadAffinity is set.
	AffinityKey AffinityKeyFunc

	// Logger receives warnings (destroy-handler failures) and diagnostic
	// panics (internal invariant violations). Defaults to a no-op logger.
	Logger *zap.Logger
}

func (c Config[T]) toInternal() *corepool.Config[T] {
	return &corepool.Config[T]{
		Allocator:            corepool.AllocatorFunc[T](c.Allocator),
		InitialSize:          c.InitialSize,
		SizeMax:              c.SizeMax,
		ReleaseHandler:       corepool.ReleaseHandlerFunc[T](c.ReleaseHandler),
		DestroyHandler:       corepool.DestroyHandlerFunc[T](c.DestroyHandler),
		EvictionPredicate:    corepool.EvictionPredicateFunc[T](c.EvictionPredicate),
		AcquisitionScheduler: c.AcquisitionScheduler,
		MetricsRecorder:      c.MetricsRecorder,
		ThreadAffinity:       c.ThreadAffinity,
		AffinityKey:          corepool.AffinityKeyFunc(c.AffinityKey),
		Logger:               c.Logger,
	}
}

// PooledRef is a handle to one acquired resource. It must be released
// exactly once, via the Pool that produced it.
type PooledRef[T any] struct {
	slot *corepool.Slot[T]
}

// Value returns the held resource.
func (r PooledRef[T]) Value() T { return r.slot.Value }

// Metrics returns bookkeeping about this resource's lifetime so far.
func (r PooledRef[T]) Metrics() Metrics { return r.slot.Metrics() }

// Stats is a point-in-time, lock-free snapshot of pool occupancy.
type Stats = corepool.Stats

// Pool is the external contract of a resource pool (spec §6).
type Pool[T any] interface {
	// Acquire returns a resource, waiting for one to become idle or for
	// capacity to allocate a new one if none is immediately available. It
	// returns ctx.Err() if ctx is done first, and ErrPoolShutDown if the pool
	// has been disposed.
	Acquire(ctx context.Context) (PooledRef[T], error)

	// Release returns ref's resource to the pool for reuse, running the
	// configured ReleaseHandler first. Calling Release twice on the same ref
	// returns ErrAlreadyReleased.
	Release(ctx context.Context, ref PooledRef[T]) error

	// Invalidate returns ref's resource for destruction rather than reuse,
	// regardless of what ReleaseHandler or EvictionPredicate would decide.
	Invalidate(ctx context.Context, ref PooledRef[T]) error

	// Dispose shuts the pool down: every idle resource is destroyed, every
	// borrower still waiting on Acquire receives ErrPoolShutDown, and every
	// subsequent Acquire fails immediately. Dispose is idempotent.
	Dispose(ctx context.Context)

	// Disposed reports whether Dispose has been called; it turns true as
	// soon as shutdown begins, before pending borrowers are failed and idle
	// resources destroyed.
	Disposed() bool

	// Stat returns a snapshot of current occupancy.
	Stat() Stats

	// Resize changes the live-resource ceiling. It never forcibly destroys
	// resources already live; a shrink only constrains future allocation.
	Resize(newMax int64) error
}

// New builds a pool per cfg, eagerly allocating cfg.InitialSize resources.
// Construction fails atomically: if any of the initial allocations errors,
// every resource built so far is destroyed and New returns that error.
func New[T any](ctx context.Context, cfg Config[T]) (Pool[T], error) {
	internalCfg := cfg.toInternal()
	if err := internalCfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ThreadAffinity {
		eng, err := corepool.NewAffinityEngine[T](ctx, internalCfg)
		if err != nil {
			return nil, err
		}
		return &enginePool[T]{engine: eng}, nil
	}
	eng, err := corepool.NewQueueEngine[T](ctx, internalCfg)
	if err != nil {
		return nil, err
	}
	return &enginePool[T]{engine: eng}, nil
}

// enginePool adapts a corepool.Engine into the public Pool contract, the
// only place Slot<->PooledRef conversion happens.
type enginePool[T any] struct {
	engine corepool.Engine[T]
}

func (p *enginePool[T]) Acquire(ctx context.Context) (PooledRef[T], error) {
	s, err := p.engine.Acquire(ctx)
	if err != nil {
		return PooledRef[T]{}, err
	}
	return PooledRef[T]{slot: s}, nil
}

func (p *enginePool[T]) Release(ctx context.Context, ref PooledRef[T]) error {
	return p.engine.Release(ctx, ref.slot)
}

func (p *enginePool[T]) Invalidate(ctx context.Context, ref PooledRef[T]) error {
	return p.engine.Invalidate(ctx, ref.slot)
}

func (p *enginePool[T]) Dispose(ctx context.Context) { p.engine.Dispose(ctx) }

func (p *enginePool[T]) Disposed() bool { return p.engine.Disposed() }

func (p *enginePool[T]) Stat() Stats { return p.engine.Stat() }

func (p *enginePool[T]) Resize(newMax int64) error { return p.engine.Resize(newMax) }
