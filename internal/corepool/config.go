package corepool

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/posidoni/resource-pool/metrics"
)

// AllocatorFunc lazily produces one new T. It may fail.
type AllocatorFunc[T any] func(ctx context.Context) (T, error)

// ReleaseHandlerFunc cleans a T before it is recycled. It may fail, in which
// case the slot is destroyed instead of recycled.
type ReleaseHandlerFunc[T any] func(ctx context.Context, value T) error

// DestroyHandlerFunc finalizes a T on eviction or shutdown. Errors are
// logged, never surfaced (spec §7: DestroyHandlerFailed is log-only).
type DestroyHandlerFunc[T any] func(ctx context.Context, value T) error

// EvictionPredicateFunc decides, at handover time, whether a released slot
// should be destroyed rather than recycled.
type EvictionPredicateFunc[T any] func(value T, m Metrics) bool

// AffinityKeyFunc extracts an affinity key from the calling goroutine's
// context, used only by the affinity engine. The queue engine never calls
// this.
type AffinityKeyFunc func(ctx context.Context) int64

// Config is the opaque configuration struct named in spec §6. It is built by
// the caller (the builder API proper is out of scope) and passed to New.
type Config[T any] struct {
	Allocator            AllocatorFunc[T]
	InitialSize          int
	SizeMax              int64
	ReleaseHandler       ReleaseHandlerFunc[T]
	DestroyHandler       DestroyHandlerFunc[T]
	EvictionPredicate    EvictionPredicateFunc[T]
	AcquisitionScheduler func(func())
	MetricsRecorder      metrics.Recorder
	ThreadAffinity       bool
	AffinityKey          AffinityKeyFunc
	Logger               *zap.Logger
}

// Validate checks the invariants spec §6 requires before construction: an
// allocator is mandatory, sizeMax must admit at least the initial size, and
// an affinity-keyed pool needs a key function to be anything but a single
// shared bucket.
func (c *Config[T]) Validate() error {
	if c.Allocator == nil {
		return errors.New("resource pool: Config.Allocator is required")
	}
	if c.InitialSize < 0 {
		return errors.New("resource pool: Config.InitialSize must not be negative")
	}
	if c.SizeMax <= 0 {
		return errors.New("resource pool: Config.SizeMax must be positive")
	}
	if int64(c.InitialSize) > c.SizeMax {
		return errors.New("resource pool: Config.InitialSize must not exceed Config.SizeMax")
	}
	if c.ThreadAffinity && c.AffinityKey == nil {
		return errors.New("resource pool: Config.AffinityKey is required when Config.ThreadAffinity is set")
	}
	return nil
}

func (c *Config[T]) recorder() metrics.Recorder {
	if c.MetricsRecorder == nil {
		return metrics.Nop{}
	}
	return c.MetricsRecorder
}

func (c *Config[T]) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Config[T]) deliverOn(fn func()) {
	if c.AcquisitionScheduler == nil {
		fn()
		return
	}
	c.AcquisitionScheduler(fn)
}
