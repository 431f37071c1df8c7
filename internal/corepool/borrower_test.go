package corepool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBorrowerClaimAndDeliver(t *testing.T) {
	t.Parallel()

	t.Run("Claim then Deliver settles Wait with the slot", func(t *testing.T) {
		t.Parallel()
		b := NewBorrower[int](0)
		require.True(t, b.Claim())
		require.False(t, b.Claim(), "double claim must fail")

		s := NewIdleSlot(1)
		require.True(t, s.acquireForHandover())
		require.True(t, b.Deliver(s))

		got, err := b.Wait(context.Background())
		require.NoError(t, err)
		require.Same(t, s, got)
	})

	t.Run("Cancel before Claim makes Claim fail", func(t *testing.T) {
		t.Parallel()
		b := NewBorrower[int](0)
		wasClaimed := b.Cancel()
		require.False(t, wasClaimed)
		require.False(t, b.Claim())
	})

	t.Run("Cancel after Claim reports wasClaimed and Deliver then fails", func(t *testing.T) {
		t.Parallel()
		b := NewBorrower[int](0)
		require.True(t, b.Claim())
		require.True(t, b.Cancel())

		s := NewIdleSlot(1)
		require.True(t, s.acquireForHandover())
		require.False(t, b.Deliver(s), "cancelled borrower must not accept delivery")
	})

	t.Run("Unclaim reverts to pending so Claim can succeed again", func(t *testing.T) {
		t.Parallel()
		b := NewBorrower[int](0)
		require.True(t, b.Claim())
		require.True(t, b.Unclaim())
		require.True(t, b.Claim())
	})

	t.Run("Fail settles Wait with the error", func(t *testing.T) {
		t.Parallel()
		b := NewBorrower[int](0)
		sentinel := ErrPoolShutDown
		require.True(t, b.Fail(sentinel))

		_, err := b.Wait(context.Background())
		require.ErrorIs(t, err, sentinel)
	})

	t.Run("Wait returns ctx.Err when ctx is done before settlement", func(t *testing.T) {
		t.Parallel()
		b := NewBorrower[int](0)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := b.Wait(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("AffinityKey returns the value given at construction", func(t *testing.T) {
		t.Parallel()
		b := NewBorrower[int](123)
		require.Equal(t, int64(123), b.AffinityKey())
	})
}
