// Package corepool implements the acquisition/release coordination engine:
// the lock-free state machine that matches acquire requests against idle
// resources, allocates on demand up to a capacity limit, enforces
// at-most-one-delivery per request under cancellation, and handles shutdown
// interleaved with in-flight operations. Two interchangeable engines share
// this contract: QueueEngine (central FIFO drain) and AffinityEngine
// (per-key sub-pools with a fast path).
package corepool

import "context"

// Engine is the contract both the queue and affinity engines satisfy. The
// public facade in the root package picks one at construction time based on
// Config.ThreadAffinity and never branches on engine identity again.
type Engine[T any] interface {
	Acquire(ctx context.Context) (*Slot[T], error)
	Release(ctx context.Context, s *Slot[T]) error
	Invalidate(ctx context.Context, s *Slot[T]) error
	Dispose(ctx context.Context)
	Disposed() bool
	Stat() Stats
	Resize(newMax int64) error
}

// Stats is a point-in-time, lock-free snapshot of pool occupancy.
type Stats struct {
	Idle    int64
	Pending int64
	InUse   int64
	SizeMax int64
}
