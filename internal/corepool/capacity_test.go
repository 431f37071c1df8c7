package corepool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapacityReserveRelease(t *testing.T) {
	t.Parallel()

	c := newCapacity(2)
	require.True(t, c.tryReserve())
	require.True(t, c.tryReserve())
	require.False(t, c.tryReserve(), "third reservation must be rejected at max 2")

	c.release()
	require.True(t, c.tryReserve())
}

func TestCapacityResize(t *testing.T) {
	t.Parallel()

	c := newCapacity(1)
	require.True(t, c.tryReserve())
	require.False(t, c.tryReserve())

	c.resize(3)
	require.True(t, c.tryReserve())
	require.True(t, c.tryReserve())
	require.False(t, c.tryReserve())
}

func TestCapacityConcurrentReserveNeverExceedsMax(t *testing.T) {
	t.Parallel()

	const max = 10
	c := newCapacity(max)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 1000)
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.tryReserve() {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	require.Equal(t, max, count)
	require.Equal(t, int64(max), c.liveCount())
}
