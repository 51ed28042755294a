package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	workers, unsubW := b.Subscribe(4, "worker.")
	defer unsubW()
	all, unsubA := b.Subscribe(4)
	defer unsubA()

	b.Publish(Event{Type: WorkerStarted, Data: "w1"})
	b.Publish(Event{Type: InvocationFinished, Data: "i1"})

	require.Len(t, workers, 1)
	e := <-workers
	assert.Equal(t, WorkerStarted, e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Len(t, all, 2)
}

func TestPublishDropsWhenSubscriberSlow(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).Type)
}

func TestPublishAfterUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	assert.NotPanics(t, func() { b.Publish(Event{Type: "x"}) })
	_, ok := <-ch
	assert.False(t, ok)
}
