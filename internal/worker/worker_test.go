package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triggerd/internal/statussink"
	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

type fnHandler struct {
	fn func(ctx context.Context, payload json.RawMessage) (any, error)
}

func (h fnHandler) Invoke(ctx context.Context, p json.RawMessage) (any, error) { return h.fn(ctx, p) }
func (fnHandler) Type() trigger.JobType                                        { return trigger.JobTypeManaged }
func (fnHandler) Name() string                                                 { return "test" }
func (fnHandler) Version() string                                              { return "v1" }

type sinkRecorder struct {
	mu      sync.Mutex
	reports []statussink.Report
}

func (s *sinkRecorder) Report(_ context.Context, r statussink.Report) error {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
	return nil
}

func (s *sinkRecorder) byStatus(st trigger.Status) []trigger.InvocationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trigger.InvocationID
	for _, r := range s.reports {
		if r.Status == st {
			out = append(out, r.InvocationID)
		}
	}
	return out
}

// orderLog records payload strings in execution order. entered is closed
// once I1 is inside the handler.
type orderLog struct {
	mu  sync.Mutex
	got []string

	enter   sync.Once
	entered chan struct{}
}

func newOrderLog() *orderLog { return &orderLog{entered: make(chan struct{})} }

func (o *orderLog) add(s string) {
	o.mu.Lock()
	o.got = append(o.got, s)
	o.mu.Unlock()
}

func (o *orderLog) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.got...)
}

func req(inv string) trigger.Request {
	return trigger.Request{JobID: "job-1", InvocationID: trigger.InvocationID(inv), Type: trigger.JobTypeManaged, Payload: json.RawMessage(strconv.Quote(inv))}
}

func newTestWorker(t *testing.T, h fnHandler, cfg Config, sink statussink.Sink) *Worker {
	t.Helper()
	w := New("job-1", h, cfg, Deps{Sink: sink, Log: logx.Nop()})
	w.Start(nil)
	t.Cleanup(func() { w.ForceStop("test cleanup") })
	return w
}

func recordingHandler(o *orderLog, gate <-chan struct{}) fnHandler {
	return fnHandler{fn: func(ctx context.Context, p json.RawMessage) (any, error) {
		var s string
		_ = json.Unmarshal(p, &s)
		if s == "I1" {
			o.enter.Do(func() { close(o.entered) })
		}
		if gate != nil && s == "I1" {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		o.add(s)
		return "ok:" + s, nil
	}}
}

func TestAsyncFIFOAndIdle(t *testing.T) {
	t.Parallel()
	o := newOrderLog()
	gate := make(chan struct{})
	sink := &sinkRecorder{}
	w := newTestWorker(t, recordingHandler(o, gate), Config{}, sink)
	require.True(t, w.IsIdle())

	for i, inv := range []string{"I1", "I2", "I3"} {
		ack, err := w.PushAsync(req(inv))
		require.NoError(t, err)
		assert.Equal(t, trigger.InvocationID(inv), ack.InvocationID)
		assert.Equal(t, w.ID(), ack.WorkerID)
		if i > 0 {
			assert.Positive(t, ack.Position)
		}
	}
	assert.False(t, w.IsIdle())
	close(gate)

	require.Eventually(t, w.IsIdle, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"I1", "I2", "I3"}, o.snapshot())
	require.Eventually(t, func() bool { return len(sink.byStatus(trigger.StatusSucceeded)) == 3 }, time.Second, 5*time.Millisecond)

	snap := w.Snapshot()
	assert.EqualValues(t, 3, snap.Executed)
	assert.Len(t, snap.History, 3)
}

func TestRunSyncReturnsResultAndError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	w := newTestWorker(t, fnHandler{fn: func(_ context.Context, p json.RawMessage) (any, error) {
		if string(p) == `"fail"` {
			return nil, boom
		}
		return 42, nil
	}}, Config{}, nil)

	res, err := w.RunSync(context.Background(), req("ok"))
	require.NoError(t, err)
	assert.Equal(t, 42, res.Output)
	assert.Equal(t, trigger.InvocationID("ok"), res.InvocationID)

	_, err = w.RunSync(context.Background(), req("fail"))
	assert.ErrorIs(t, err, boom)
	assert.True(t, w.IsIdle())
}

func TestAsyncFailureGoesToSink(t *testing.T) {
	t.Parallel()
	sink := &sinkRecorder{}
	w := newTestWorker(t, fnHandler{fn: func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("handler exploded")
	}}, Config{}, sink)

	_, err := w.PushAsync(req("A1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sink.byStatus(trigger.StatusFailed)) == 1 }, 2*time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	assert.Contains(t, sink.reports[0].Message, "handler exploded")
	sink.mu.Unlock()
}

func TestSyncQueueJump(t *testing.T) {
	t.Parallel()
	o := newOrderLog()
	gate := make(chan struct{})
	w := newTestWorker(t, recordingHandler(o, gate), Config{SyncPolicy: SyncQueueJump}, nil)

	for _, inv := range []string{"I1", "I2", "I3"} {
		_, err := w.PushAsync(req(inv))
		require.NoError(t, err)
	}
	// The loop must hold the slot before the sync call arrives.
	select {
	case <-o.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("I1 never started")
	}
	syncDone := make(chan error, 1)
	go func() {
		_, err := w.RunSync(context.Background(), req("S"))
		syncDone <- err
	}()
	require.Eventually(t, func() bool { return w.Snapshot().InFlight == 4 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, <-syncDone)
	require.Eventually(t, w.IsIdle, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"I1", "S", "I2", "I3"}, o.snapshot())
}

func TestSyncFIFO(t *testing.T) {
	t.Parallel()
	o := newOrderLog()
	gate := make(chan struct{})
	w := newTestWorker(t, recordingHandler(o, gate), Config{SyncPolicy: SyncFIFO}, nil)

	for _, inv := range []string{"I1", "I2", "I3"} {
		_, err := w.PushAsync(req(inv))
		require.NoError(t, err)
	}
	syncDone := make(chan trigger.Result, 1)
	go func() {
		res, _ := w.RunSync(context.Background(), req("S"))
		syncDone <- res
	}()
	require.Eventually(t, func() bool { return w.Snapshot().QueueLen == 3 }, time.Second, time.Millisecond)
	close(gate)

	res := <-syncDone
	assert.Equal(t, "ok:S", res.Output)
	assert.Equal(t, []string{"I1", "I2", "I3", "S"}, o.snapshot())
}

func TestForceStopDiscardsQueueAndKillsRunning(t *testing.T) {
	t.Parallel()
	sink := &sinkRecorder{}
	started := make(chan struct{})
	var terminatedReason string
	w := New("job-1", fnHandler{fn: func(ctx context.Context, _ json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}, Config{StopTimeout: time.Second}, Deps{
		Sink:         sink,
		Log:          logx.Nop(),
		OnTerminated: func(_ *Worker, reason string) { terminatedReason = reason },
	})
	w.Start(nil)

	for _, inv := range []string{"R", "Q1", "Q2"} {
		_, err := w.PushAsync(req(inv))
		require.NoError(t, err)
	}
	<-started

	assert.True(t, w.ForceStop("script updated"))
	assert.False(t, w.ForceStop("again"))
	assert.Equal(t, StateTerminated, w.State())
	assert.Equal(t, "script updated", terminatedReason)
	select {
	case <-w.Done():
	default:
		t.Fatal("Done not closed")
	}

	assert.ElementsMatch(t, []trigger.InvocationID{"Q1", "Q2"}, sink.byStatus(trigger.StatusDiscarded))
	require.Eventually(t, func() bool { return len(sink.byStatus(trigger.StatusKilled)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []trigger.InvocationID{"R"}, sink.byStatus(trigger.StatusKilled))

	_, err := w.PushAsync(req("late"))
	assert.ErrorIs(t, err, trigger.ErrWorkerTerminated)
	_, err = w.RunSync(context.Background(), req("late"))
	assert.ErrorIs(t, err, trigger.ErrWorkerTerminated)
}

func TestForceStopSyncCallerGetsKilled(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	w := newTestWorker(t, fnHandler{fn: func(ctx context.Context, _ json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}, Config{}, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := w.RunSync(context.Background(), req("S"))
		errCh <- err
	}()
	<-started
	w.ForceStop("manual stop")

	err := <-errCh
	assert.ErrorIs(t, err, trigger.ErrWorkerKilled)
	var se *trigger.StopError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "manual stop", se.Reason)
}

func TestForceStopAbandonsUncooperativeHandler(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	w := newTestWorker(t, fnHandler{fn: func(context.Context, json.RawMessage) (any, error) {
		close(started)
		<-release
		return nil, nil
	}}, Config{StopTimeout: 50 * time.Millisecond}, nil)

	_, err := w.PushAsync(req("stuck"))
	require.NoError(t, err)
	<-started

	begin := time.Now()
	require.True(t, w.ForceStop("manual stop"))
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, StateTerminated, w.State())
}

func TestForceStopIdleWorker(t *testing.T) {
	t.Parallel()
	var calls int
	w := New("job-1", fnHandler{fn: func(context.Context, json.RawMessage) (any, error) { return nil, nil }}, Config{}, Deps{
		Log:          logx.Nop(),
		OnTerminated: func(*Worker, string) { calls++ },
	})
	w.Start(nil)
	require.True(t, w.ForceStop("manual stop"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "manual stop", w.StopReason())
	assert.False(t, w.IsIdle())
}

func TestExecutionTimeout(t *testing.T) {
	t.Parallel()
	w := newTestWorker(t, fnHandler{fn: func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}, Config{DefaultTimeout: 30 * time.Millisecond}, nil)

	_, err := w.RunSync(context.Background(), req("slow"))
	assert.ErrorIs(t, err, trigger.ErrExecutionTimeout)
	assert.NotEqual(t, StateTerminated, w.State())

	r := req("slower")
	r.Timeout = 10 * time.Millisecond
	_, err = w.RunSync(context.Background(), r)
	assert.ErrorIs(t, err, trigger.ErrExecutionTimeout)
}

func TestExecutionTimeoutIgnoredTerminatesWorker(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	w := newTestWorker(t, fnHandler{fn: func(context.Context, json.RawMessage) (any, error) {
		<-release
		return nil, nil
	}}, Config{DefaultTimeout: 20 * time.Millisecond, StopTimeout: 20 * time.Millisecond}, nil)

	_, err := w.RunSync(context.Background(), req("stuck"))
	assert.ErrorIs(t, err, trigger.ErrExecutionTimeout)
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker not terminated")
	}
	assert.Equal(t, ReasonExecTimeout, w.StopReason())
}

func TestIdleRetirement(t *testing.T) {
	t.Parallel()
	w := newTestWorker(t, fnHandler{fn: func(context.Context, json.RawMessage) (any, error) { return nil, nil }}, Config{IdleTimeout: 30 * time.Millisecond}, nil)
	_, err := w.RunSync(context.Background(), req("x"))
	require.NoError(t, err)
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle worker not retired")
	}
	assert.Equal(t, ReasonIdle, w.StopReason())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTerminatedLogCarriesOnlyOwnReasons(t *testing.T) {
	t.Parallel()
	noop := fnHandler{fn: func(context.Context, json.RawMessage) (any, error) { return nil, nil }}

	external := &lockedBuffer{}
	w := New("job-1", noop, Config{}, Deps{Log: logx.NewWriter(external, "debug")})
	w.Start(nil)
	require.True(t, w.ForceStop("script updated"))
	require.Eventually(t, func() bool { return strings.Contains(external.String(), "worker terminated") }, time.Second, 5*time.Millisecond)
	assert.NotContains(t, external.String(), "script updated")
	assert.Equal(t, "script updated", w.StopReason())

	own := &lockedBuffer{}
	w = New("job-1", noop, Config{IdleTimeout: 20 * time.Millisecond}, Deps{Log: logx.NewWriter(own, "debug")})
	w.Start(nil)
	require.Eventually(t, func() bool { return strings.Contains(own.String(), "worker terminated") }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, own.String(), ReasonIdle)
}

func TestHandlerPanicRecovered(t *testing.T) {
	t.Parallel()
	w := newTestWorker(t, fnHandler{fn: func(context.Context, json.RawMessage) (any, error) { panic("kaboom") }}, Config{}, nil)
	_, err := w.RunSync(context.Background(), req("p"))
	var pe *trigger.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	// The worker survives the panic.
	_, err = w.PushAsync(req("after"))
	assert.NoError(t, err)
}

func TestSyncCallerCancel(t *testing.T) {
	t.Parallel()
	w := newTestWorker(t, fnHandler{fn: func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.RunSync(ctx, req("c"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, w.IsIdle, time.Second, 5*time.Millisecond)
}

func TestParseSyncPolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]SyncPolicy{"": SyncQueueJump, "queue_jump": SyncQueueJump, "FIFO": SyncFIFO} {
		got, err := ParseSyncPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSyncPolicy("lifo")
	assert.Error(t, err)
}
