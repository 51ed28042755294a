package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerd/internal/trigger"
)

func TestQueueOrderAndPositions(t *testing.T) {
	t.Parallel()
	q := NewQueue[int]()
	for i := 1; i <= 3; i++ {
		pos, err := q.Push(i)
		require.NoError(t, err)
		assert.Equal(t, i, pos)
	}
	assert.Equal(t, 3, q.Len())
	for i := 1; i <= 3; i++ {
		v, ok := q.Pop(context.Background())
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	q := NewQueue[string]()
	got := make(chan string, 1)
	go func() {
		v, _ := q.Pop(context.Background())
		got <- v
	}()
	time.Sleep(10 * time.Millisecond)
	_, err := q.Push("x")
	require.NoError(t, err)
	select {
	case v := <-got:
		assert.Equal(t, "x", v)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestQueueCloseAndDrain(t *testing.T) {
	t.Parallel()
	q := NewQueue[int]()
	_, _ = q.Push(1)
	_, _ = q.Push(2)

	done := make(chan bool, 1)
	empty := NewQueue[int]()
	go func() {
		_, ok := empty.Pop(context.Background())
		done <- ok
	}()
	empty.Close()
	assert.False(t, <-done)

	q.Close()
	_, err := q.Push(3)
	assert.ErrorIs(t, err, trigger.ErrQueueClosed)
	assert.Equal(t, []int{1, 2}, q.Drain())
	_, ok := q.Pop(context.Background())
	assert.False(t, ok)
}

func TestQueuePopHonoursContext(t *testing.T) {
	t.Parallel()
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}

func TestQueueConcurrentProducers(t *testing.T) {
	t.Parallel()
	q := NewQueue[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = q.Push(i)
			}
		}()
	}
	seen := 0
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for seen < 800 {
		_, ok := q.Pop(ctx)
		require.True(t, ok)
		seen++
	}
	wg.Wait()
	assert.Equal(t, 0, q.Len())
}
