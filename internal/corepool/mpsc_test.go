package corepool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMPSCQueueFIFO(t *testing.T) {
	t.Parallel()

	q := newMPSCQueue[int]()
	_, ok := q.pop()
	require.False(t, ok)

	q.push(1)
	q.push(2)
	q.push(3)

	for _, want := range []int{1, 2, 3} {
		got, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, want, got)
	}
	_, ok = q.pop()
	require.False(t, ok)
}

func TestMPSCQueueConcurrentProducers(t *testing.T) {
	t.Parallel()

	q := newMPSCQueue[int]()
	const producers, perProducer = 8, 200

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.push(base + i)
			}
		}(p * perProducer)
	}
	wg.Wait()

	seen := 0
	for {
		_, ok := q.pop()
		if !ok {
			break
		}
		seen++
	}
	require.Equal(t, producers*perProducer, seen)
}

func TestPushbackSlot(t *testing.T) {
	t.Parallel()

	var s pushbackSlot[int]
	_, ok := s.take()
	require.False(t, ok)

	s.set(7)
	v, ok := s.take()
	require.True(t, ok)
	require.Equal(t, 7, v)

	_, ok = s.take()
	require.False(t, ok, "take must clear the slot")
}
