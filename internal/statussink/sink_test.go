package statussink

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerd/internal/eventbus"
	"triggerd/internal/storage"
	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

func TestMultiJoinsErrors(t *testing.T) {
	t.Parallel()
	errA := errors.New("a")
	rec := &recorder{}
	m := Multi{rec, nil, Func(func(context.Context, Report) error { return errA })}
	err := m.Report(context.Background(), Report{Status: trigger.StatusKilled})
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, 1, rec.len())
}

func TestStoreSinkAppends(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.jsonl")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	s := StoreSink{Store: st}
	require.NoError(t, s.Report(context.Background(), Report{
		JobID: "job-1", InvocationID: "inv-1", Status: trigger.StatusNotFound, Message: "no live worker", At: time.Now(), Duration: 1500 * time.Millisecond,
	}))
	rec, ok, err := st.StatusOf(context.Background(), "inv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "not_found", rec.Status)
	assert.EqualValues(t, 1500, rec.DurationMS)

	assert.ErrorIs(t, StoreSink{}.Report(context.Background(), Report{}), storage.ErrDisabled)
}

func TestBusSinkPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, "invocation.")
	defer unsub()

	require.NoError(t, BusSink{Bus: bus}.Report(context.Background(), Report{InvocationID: "inv-9", Status: trigger.StatusDiscarded}))
	select {
	case ev := <-ch:
		assert.Equal(t, eventbus.InvocationStatus, ev.Type)
		assert.Equal(t, trigger.InvocationID("inv-9"), ev.Data.(Report).InvocationID)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}
