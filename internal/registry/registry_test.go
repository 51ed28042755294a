package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerd/internal/eventbus"
	"triggerd/internal/handler"
	"triggerd/internal/trigger"
	"triggerd/internal/worker"
	logx "triggerd/pkg/logx"
)

type testHandler struct {
	version string
	fn      func(ctx context.Context) (any, error)
}

func (h testHandler) Invoke(ctx context.Context, _ json.RawMessage) (any, error) {
	if h.fn == nil {
		return h.version, nil
	}
	return h.fn(ctx)
}
func (testHandler) Type() trigger.JobType { return trigger.JobTypeManaged }
func (testHandler) Name() string          { return "test" }
func (h testHandler) Version() string     { return h.version }

func newRegistry(t *testing.T, cfg worker.Config) *Registry {
	t.Helper()
	r := New(Options{Worker: cfg, Log: logx.Nop()})
	t.Cleanup(func() { r.StopAll("test cleanup") })
	return r
}

func TestRegisterLookupRemove(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, worker.Config{})
	assert.Nil(t, r.Lookup("job-1"))
	assert.False(t, r.Remove("job-1", "manual stop", ""))

	w := r.RegisterOrReplace("job-1", testHandler{version: "v1"}, "new worker")
	require.NotNil(t, w)
	assert.Same(t, w, r.Lookup("job-1"))
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Remove("job-1", "manual stop", "inv-1"))
	assert.Nil(t, r.Lookup("job-1"))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, worker.StateTerminated, w.State())
	assert.False(t, r.Remove("job-1", "manual stop", ""))
}

func TestReplaceStopsOld(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.WorkerReplaced)
	defer unsub()
	r := New(Options{Log: logx.Nop(), Bus: bus})
	t.Cleanup(func() { r.StopAll("test cleanup") })

	old := r.RegisterOrReplace("job-3", testHandler{version: "v1"}, "new worker")
	neu := r.RegisterOrReplace("job-3", testHandler{version: "v2"}, "script updated")
	assert.NotSame(t, old, neu)
	assert.Equal(t, worker.StateTerminated, old.State())
	assert.Equal(t, "script updated", old.StopReason())
	assert.Same(t, neu, r.Lookup("job-3"))
	assert.Equal(t, 1, r.Len())

	select {
	case ev := <-events:
		rep := ev.Data.(ReplaceEvent)
		assert.Equal(t, "script updated", rep.Reason)
		assert.Equal(t, old.ID(), rep.OldWorkerID)
		assert.Equal(t, neu.ID(), rep.NewWorkerID)
	case <-time.After(time.Second):
		t.Fatal("no replace event")
	}
}

func TestAcquireReuseAndErrors(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, worker.Config{})
	decideNew := func(cur *worker.Worker) (handler.Handler, bool, string, error) {
		if cur != nil {
			return cur.Handler(), false, "", nil
		}
		return testHandler{version: "v1"}, true, "new worker", nil
	}
	w1, err := r.Acquire("job-1", decideNew)
	require.NoError(t, err)
	w2, err := r.Acquire("job-1", decideNew)
	require.NoError(t, err)
	assert.Same(t, w1, w2)

	boom := errors.New("resolver failed")
	_, err = r.Acquire("job-2", func(*worker.Worker) (handler.Handler, bool, string, error) { return nil, false, "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, r.Lookup("job-2"))
}

func TestAtMostOneRunningWorker(t *testing.T) {
	t.Parallel()
	var running, maxRunning atomic.Int32
	h := func(v string) testHandler {
		return testHandler{version: v, fn: func(ctx context.Context) (any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
			}
			return nil, nil
		}}
	}
	r := newRegistry(t, worker.Config{StopTimeout: time.Second})

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				w, err := r.Acquire("job-1", func(cur *worker.Worker) (handler.Handler, bool, string, error) {
					// Every fourth call simulates a version bump.
					if cur != nil && i%4 != 0 {
						return cur.Handler(), false, "", nil
					}
					created.Add(1)
					return h("v"), true, "script updated", nil
				})
				if !assert.NoError(t, err) {
					return
				}
				if i%2 == 0 {
					_, _ = w.RunSync(context.Background(), trigger.Request{JobID: "job-1"})
				} else {
					_, _ = w.PushAsync(trigger.Request{JobID: "job-1"})
				}
				live := 0
				for _, s := range r.Snapshot() {
					if s.JobID == "job-1" && (s.State == worker.StateRunning || s.State == worker.StateIdle) {
						live++
					}
				}
				assert.LessOrEqual(t, live, 1)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(1))
	assert.Positive(t, created.Load())
	assert.LessOrEqual(t, r.Len(), 1)
}

func TestTerminatedWorkerReleasesSlot(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, worker.Config{IdleTimeout: 20 * time.Millisecond})
	w := r.RegisterOrReplace("job-idle", testHandler{version: "v1"}, "new worker")
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not retire")
	}
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, r.Lookup("job-idle"))
}

func TestDifferentJobsDoNotBlock(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	r := newRegistry(t, worker.Config{StopTimeout: 2 * time.Second})
	slow := r.RegisterOrReplace("slow", testHandler{version: "v1", fn: func(context.Context) (any, error) {
		<-release
		return nil, nil
	}}, "new worker")
	_, err := slow.PushAsync(trigger.Request{JobID: "slow"})
	require.NoError(t, err)

	// Replacing "slow" blocks on its uncooperative handler while holding only
	// the "slow" lock.
	go r.RegisterOrReplace("slow", testHandler{version: "v2"}, "script updated")
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	fast := r.RegisterOrReplace("fast", testHandler{version: "v1"}, "new worker")
	res, err := fast.RunSync(context.Background(), trigger.Request{JobID: "fast"})
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Output)
	assert.Less(t, time.Since(start), time.Second)
	close(release)
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	r := New(Options{Log: logx.Nop()})
	for _, id := range []trigger.JobID{"a", "b", "c"} {
		r.RegisterOrReplace(id, testHandler{version: "v1"}, "new worker")
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, trigger.JobID("a"), snap[0].JobID)

	assert.Equal(t, 3, r.StopAll("shutdown"))
	assert.Equal(t, 0, r.Len())
}
