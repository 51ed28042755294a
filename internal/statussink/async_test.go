package statussink

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	seen []Report
}

func (r *recorder) Report(_ context.Context, rep Report) error {
	r.mu.Lock()
	r.seen = append(r.seen, rep)
	r.mu.Unlock()
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestAsyncDelivers(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	a := NewAsync(rec, AsyncConfig{QueueSize: 8, Workers: 2}, logx.Nop())
	a.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Report(context.Background(), Report{JobID: "job-1", InvocationID: trigger.NewInvocationID(), Status: trigger.StatusSucceeded}))
	}
	require.Eventually(t, func() bool { return rec.len() == 5 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Stop(ctx)
	assert.EqualValues(t, 5, a.Snapshot().Delivered)
	assert.ErrorIs(t, a.Report(context.Background(), Report{}), ErrStopped)
}

func TestAsyncReportNeverBlocks(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	slow := Func(func(ctx context.Context, _ Report) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	a := NewAsync(slow, AsyncConfig{QueueSize: 2, Workers: 1}, logx.Nop())
	a.Start(context.Background())
	defer func() {
		close(block)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Stop(ctx)
	}()

	start := time.Now()
	var full int
	for i := 0; i < 20; i++ {
		if errors.Is(a.Report(context.Background(), Report{Status: trigger.StatusFailed}), ErrQueueFull) {
			full++
		}
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Greater(t, full, 0)
	assert.EqualValues(t, full, a.Snapshot().DroppedFull)
}

func TestAsyncRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	flaky := Func(func(context.Context, Report) error {
		if calls.Add(1) < 3 {
			return errors.New("collaborator unavailable")
		}
		return nil
	})
	a := NewAsync(flaky, AsyncConfig{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, logx.Nop())
	a.Start(context.Background())
	require.NoError(t, a.Report(context.Background(), Report{Status: trigger.StatusDiscarded}))

	require.Eventually(t, func() bool { return a.Snapshot().Delivered == 1 }, 2*time.Second, 5*time.Millisecond)
	snap := a.Snapshot()
	assert.EqualValues(t, 2, snap.Retried)
	assert.EqualValues(t, 0, snap.Failed)
	a.Stop(context.Background())
}

func TestAsyncCircuitOpensAfterFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	broken := Func(func(context.Context, Report) error {
		calls.Add(1)
		return errors.New("down")
	})
	a := NewAsync(broken, AsyncConfig{
		Workers:             1,
		RetryMax:            0,
		CircuitTripFailures: 2,
		CircuitBaseDelay:    time.Minute,
	}, logx.Nop())
	a.Start(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Report(context.Background(), Report{Status: trigger.StatusFailed}))
	}
	require.Eventually(t, func() bool {
		s := a.Snapshot()
		return s.Failed+s.DroppedCircuit == 5
	}, 2*time.Second, 5*time.Millisecond)

	snap := a.Snapshot()
	assert.True(t, snap.CircuitOpen)
	assert.EqualValues(t, 2, snap.Failed)
	assert.EqualValues(t, 3, snap.DroppedCircuit)
	assert.EqualValues(t, 2, calls.Load())
	a.Stop(context.Background())
}

func TestAsyncRecoversFromSinkPanic(t *testing.T) {
	t.Parallel()
	a := NewAsync(Func(func(context.Context, Report) error { panic("boom") }), AsyncConfig{Workers: 1, CircuitTripFailures: -1}, logx.Nop())
	a.Start(context.Background())
	require.NoError(t, a.Report(context.Background(), Report{}))
	require.Eventually(t, func() bool { return a.Snapshot().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	a.Stop(context.Background())
}

func TestStopFlushesQueued(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	a := NewAsync(rec, AsyncConfig{QueueSize: 16, Workers: 1}, logx.Nop())
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Report(context.Background(), Report{Status: trigger.StatusDiscarded}))
	}
	a.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.Stop(ctx)
	assert.Equal(t, 10, rec.len())
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, 100*time.Millisecond, backoffDelay(100*time.Millisecond, time.Second, 0, 1, nil))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(100*time.Millisecond, time.Second, 0, 3, nil))
	assert.Equal(t, time.Second, backoffDelay(100*time.Millisecond, time.Second, 0, 10, nil))
	for i := 1; i < 20; i++ {
		d := backoffDelay(100*time.Millisecond, time.Second, 0.2, i, rng)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestCircuitResetsOnSuccess(t *testing.T) {
	t.Parallel()
	c := &circuit{trip: 1, baseDelay: time.Second, maxDelay: 4 * time.Second}
	now := time.Now()
	c.record(now, errors.New("x"))
	open, until := c.isOpen(now)
	require.True(t, open)
	assert.Equal(t, now.Add(time.Second), until)

	c.record(now, errors.New("x"))
	_, until = c.isOpen(now)
	assert.Equal(t, now.Add(2*time.Second), until)

	c.record(now, nil)
	open, _ = c.isOpen(now)
	assert.False(t, open)
}
