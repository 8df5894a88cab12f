package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMPMCPushPopOrder(t *testing.T) {
	q := New[int](4)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	v, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, 1, v)
	v, err = q.Pop()
	require.NoError(t, err)
	require.Equal(t, 2, v)
	_, err = q.Pop()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestMPMCFullReturnsErrFull(t *testing.T) {
	q := New[int](2)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	require.ErrorIs(t, q.Push(3), ErrFull)
}

func TestMPMCConcurrentProducersConsumers(t *testing.T) {
	const n = 2000
	q := New[int](64)

	var wg sync.WaitGroup
	wg.Add(4)
	for p := 0; p < 4; p++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				for q.Push(base+i) != nil {
					// busy retry, queue momentarily full
				}
			}
		}(p * (n / 4))
	}

	got := make(chan int, n)
	var cwg sync.WaitGroup
	cwg.Add(4)
	for c := 0; c < 4; c++ {
		go func() {
			defer cwg.Done()
			count := 0
			for count < n/4 {
				v, err := q.Pop()
				if err != nil {
					continue
				}
				got <- v
				count++
			}
		}()
	}

	wg.Wait()
	cwg.Wait()
	close(got)

	seen := map[int]bool{}
	total := 0
	for v := range got {
		require.False(t, seen[v], "duplicate value %d", v)
		seen[v] = true
		total++
	}
	require.Equal(t, n, total)
}

func TestTargetQueue(t *testing.T) {
	require.Equal(t, 0, TargetQueue(0, DirectionRead))
	require.Equal(t, 1, TargetQueue(0, DirectionWrite))
	require.Equal(t, 6, TargetQueue(3, DirectionRead))
	require.Equal(t, 7, TargetQueue(3, DirectionWrite))
}
