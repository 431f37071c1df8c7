package corepool

import (
	"errors"
	"fmt"
)

// ErrPoolShutDown is returned by Acquire after Dispose, and delivered to every
// borrower still pending (or claimed-but-undelivered) at shutdown time.
var ErrPoolShutDown = errors.New("resource pool: pool is shut down")

// ErrAlreadyReleased is returned when Release or Invalidate is called twice on
// the same PooledRef, or on a ref the pool does not recognize as acquired.
var ErrAlreadyReleased = errors.New("resource pool: slot already released")

// AllocationError wraps a failure from the user-supplied allocator. It is
// surfaced only to the single borrower whose delivery depended on it; the
// permit reserved for the attempt is always returned before this error is
// raised, so a borrower never needs to compensate inUse accounting itself.
type AllocationError struct {
	Cause error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("resource pool: allocation failed: %v", e.Cause)
}

func (e *AllocationError) Unwrap() error { return e.Cause }

// ReleaseHandlerError wraps a failure from the user-supplied release handler.
// The slot is destroyed (never recycled) whenever this occurs.
type ReleaseHandlerError struct {
	Cause error
}

func (e *ReleaseHandlerError) Error() string {
	return fmt.Sprintf("resource pool: release handler failed: %v", e.Cause)
}

func (e *ReleaseHandlerError) Unwrap() error { return e.Cause }
