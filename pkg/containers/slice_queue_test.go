package containers

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceQueueBasics(t *testing.T) {
	t.Parallel()

	q := NewSliceQueue[int]()
	_, ok := q.Pop()
	require.False(t, ok)
	_, ok = q.Peek()
	require.False(t, ok)

	q.Add(1)
	q.Add(2)
	require.Equal(t, 2, q.Size())

	head, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, 1, head)

	head, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, head)
	head, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, 2, head)
	require.Equal(t, 0, q.Size())
}

func TestSliceQueueSignal(t *testing.T) {
	t.Parallel()

	q := NewSliceQueue[string]()
	q.Add("a")

	select {
	case <-q.C:
	default:
		require.FailNow(t, "expected a non-empty signal")
	}

	elem, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "a", elem)
}

func TestSliceQueueConcurrentAdd(t *testing.T) {
	t.Parallel()

	const (
		numWriters       = 8
		elemsPerWriter   = 256
		expectedElements = numWriters * elemsPerWriter
	)

	q := NewSliceQueue[int]()
	var wg sync.WaitGroup
	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < elemsPerWriter; j++ {
				q.Add(base*elemsPerWriter + j)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int]struct{}, expectedElements)
	for {
		elem, ok := q.Pop()
		if !ok {
			break
		}
		seen[elem] = struct{}{}
	}
	require.Len(t, seen, expectedElements)
}
