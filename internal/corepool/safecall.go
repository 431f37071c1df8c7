package corepool

import (
	"context"
	"fmt"
)

// recoverToError converts a panicking user-supplied callback (allocator,
// release handler, destroy handler) into a plain error instead of letting it
// cross back into the engine's own goroutine. Deferred at the top of each of
// the three call helpers below; other caller-supplied functions (eviction
// predicate, affinity key, acquisition scheduler) are called without it.
func recoverToError(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("resource pool: callback panicked: %v", r)
	}
}

func callAllocator[T any](ctx context.Context, fn AllocatorFunc[T]) (v T, err error) {
	defer recoverToError(&err)
	return fn(ctx)
}

func callReleaseHandler[T any](ctx context.Context, fn ReleaseHandlerFunc[T], value T) (err error) {
	defer recoverToError(&err)
	return fn(ctx, value)
}

func callDestroyHandler[T any](ctx context.Context, fn DestroyHandlerFunc[T], value T) (err error) {
	defer recoverToError(&err)
	return fn(ctx, value)
}
