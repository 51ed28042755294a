// Package worker runs all triggers of one job against one handler, one at a
// time.
//
// A Worker owns a handler, an unbounded FIFO of pending async triggers and a
// single execution slot shared by its processing loop and synchronous
// callers. ForceStop is not graceful: it cancels the running invocation,
// discards everything queued and gives the handler StopTimeout to return
// before abandoning it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/handler"
	rtsup "triggerd/internal/runtime/supervisor"
	"triggerd/internal/statussink"
	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

// Stop reasons originating inside the worker.
const (
	ReasonIdle        = "idle timeout"
	ReasonExecTimeout = "execution timeout"
	ReasonShutdown    = "shutdown"
)

type Config struct {
	// StopTimeout bounds how long a stop waits for the running handler to
	// return after its context was cancelled.
	StopTimeout time.Duration
	// IdleTimeout retires a worker that stayed idle that long (0 = never).
	IdleTimeout time.Duration
	// DefaultTimeout bounds one execution when the request has none (0 = none).
	DefaultTimeout time.Duration
	SyncPolicy     SyncPolicy
	HistorySize    int
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return c
}

type Deps struct {
	Sink statussink.Sink
	Bus  eventbus.Bus
	Log  logx.Logger
	// OnTerminated runs once, after the worker reached StateTerminated.
	OnTerminated func(w *Worker, reason string)
}

// WorkerEvent is the payload of worker.* events.
type WorkerEvent struct {
	WorkerID string        `json:"worker_id"`
	JobID    trigger.JobID `json:"job_id"`
	Reason   string        `json:"reason,omitempty"`
}

// InvocationEvent is the payload of invocation.* events.
type InvocationEvent struct {
	WorkerID     string               `json:"worker_id"`
	JobID        trigger.JobID        `json:"job_id"`
	InvocationID trigger.InvocationID `json:"invocation_id"`
	Sync         bool                 `json:"sync"`
	Duration     time.Duration        `json:"duration,omitempty"`
	Error        string               `json:"error,omitempty"`
}

var workerSeq atomic.Uint64

type item struct {
	req      trigger.Request
	enqueued time.Time

	// Set for sync triggers queued under SyncFIFO.
	ctx   context.Context
	reply chan reply
}

type reply struct {
	res trigger.Result
	err error
}

type Worker struct {
	id    string
	jobID trigger.JobID
	h     handler.Handler
	cfg   Config

	sink         statussink.Sink
	bus          eventbus.Bus
	log          logx.Logger
	onTerminated func(w *Worker, reason string)

	queue *Queue[*item]
	slot  chan struct{}

	ctx        context.Context
	cancel     context.CancelCauseFunc
	killed     chan struct{}
	terminated chan struct{}

	mu           sync.Mutex
	started      bool
	state        State
	inflight     int
	current      trigger.InvocationID
	currentSince time.Time
	currentDone  chan struct{}
	stopReason   string
	created      time.Time
	lastActive   time.Time
	executed     uint64
	failed       uint64
	history      []HistoryItem
}

// New builds a worker for jobID around h. Start must be called to run its
// processing loop.
func New(jobID trigger.JobID, h handler.Handler, cfg Config, deps Deps) *Worker {
	cfg = cfg.withDefaults()
	if deps.Sink == nil {
		deps.Sink = statussink.Discard
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	now := time.Now()
	id := fmt.Sprintf("%s#%d", jobID, workerSeq.Add(1))
	return &Worker{
		id:           id,
		jobID:        jobID,
		h:            h,
		cfg:          cfg,
		sink:         deps.Sink,
		bus:          deps.Bus,
		log:          deps.Log.With(logx.String("comp", "worker"), logx.String("job", string(jobID)), logx.String("worker", id)),
		onTerminated: deps.OnTerminated,
		queue:        NewQueue[*item](),
		slot:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
		killed:       make(chan struct{}),
		terminated:   make(chan struct{}),
		created:      now,
		lastActive:   now,
	}
}

func (w *Worker) ID() string               { return w.id }
func (w *Worker) JobID() trigger.JobID     { return w.jobID }
func (w *Worker) Handler() handler.Handler { return w.h }

// Done is closed once the worker is terminated.
func (w *Worker) Done() <-chan struct{} { return w.terminated }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) StopReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopReason
}

// IsIdle reports whether nothing is queued or executing.
func (w *Worker) IsIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateIdle && w.inflight == 0 && w.queue.Len() == 0
}

// Start launches the processing loop under sup (or a bare goroutine when sup
// is nil). Cancelling the supervisor stops the worker.
func (w *Worker) Start(sup *rtsup.Supervisor) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	if sup != nil {
		sup.Go0("worker."+string(w.jobID), w.loop)
	} else {
		go w.loop(context.Background())
	}
	w.log.Debug("worker started",
		logx.String("handler", w.h.Name()),
		logx.String("type", w.h.Type().String()),
		logx.String("version", w.h.Version()),
	)
	w.bus.Publish(eventbus.Event{Type: eventbus.WorkerStarted, Data: WorkerEvent{WorkerID: w.id, JobID: w.jobID}})
}

// RunSync executes req and returns the handler's result. Executions are
// serialized with the processing loop; SyncPolicy decides whether req waits
// behind pending async triggers.
func (w *Worker) RunSync(ctx context.Context, req trigger.Request) (trigger.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := w.admit(); err != nil {
		return trigger.Result{}, err
	}
	if w.cfg.SyncPolicy == SyncFIFO {
		return w.runSyncFIFO(ctx, req)
	}
	defer w.release()

	select {
	case w.slot <- struct{}{}:
	case <-w.killed:
		return trigger.Result{}, &trigger.StopError{Err: trigger.ErrDiscarded, Reason: w.StopReason()}
	case <-ctx.Done():
		return trigger.Result{}, ctx.Err()
	}
	defer func() { <-w.slot }()
	return w.execute(ctx, req, true, 0)
}

func (w *Worker) runSyncFIFO(ctx context.Context, req trigger.Request) (trigger.Result, error) {
	it := &item{req: req, enqueued: time.Now(), ctx: ctx, reply: make(chan reply, 1)}
	if _, err := w.queue.Push(it); err != nil {
		w.release()
		return trigger.Result{}, &trigger.StopError{Err: trigger.ErrWorkerTerminated, Reason: w.StopReason()}
	}
	select {
	case r := <-it.reply:
		return r.res, r.err
	case <-ctx.Done():
		return trigger.Result{}, ctx.Err()
	}
}

// PushAsync enqueues req and returns at once. The outcome is only reported
// through the status sink.
func (w *Worker) PushAsync(req trigger.Request) (trigger.Ack, error) {
	if err := w.admit(); err != nil {
		return trigger.Ack{}, err
	}
	pos, err := w.queue.Push(&item{req: req, enqueued: time.Now()})
	if err != nil {
		w.release()
		return trigger.Ack{}, &trigger.StopError{Err: trigger.ErrWorkerTerminated, Reason: w.StopReason()}
	}
	return trigger.Ack{JobID: req.JobID, InvocationID: req.InvocationID, WorkerID: w.id, Position: pos}, nil
}

// ForceStop terminates the worker: the running invocation is cancelled,
// queued triggers are discarded and reported, and the worker is marked
// Terminated after the handler returned or StopTimeout elapsed. It returns
// false when the worker was already stopping.
func (w *Worker) ForceStop(reason string) bool {
	return w.stop(reason, false)
}

// stop moves the worker to Draining and tears it down. When the caller owns
// the reason (registry replace or remove), the worker's own terminated line
// leaves it out so the reason is logged once.
func (w *Worker) stop(reason string, logReason bool) bool {
	w.mu.Lock()
	if w.state == StateDraining || w.state == StateTerminated {
		w.mu.Unlock()
		return false
	}
	w.state = StateDraining
	w.stopReason = reason
	w.mu.Unlock()

	w.finishStop(reason, logReason)
	return true
}

func (w *Worker) finishStop(reason string, logReason bool) {
	close(w.killed)
	w.cancel(&trigger.StopError{Err: trigger.ErrWorkerKilled, Reason: reason})
	w.queue.Close()
	discarded := w.queue.Drain()
	for _, it := range discarded {
		w.discard(it, reason)
		w.release()
	}

	w.mu.Lock()
	done, inv := w.currentDone, w.current
	w.mu.Unlock()
	if done != nil {
		t := time.NewTimer(w.cfg.StopTimeout)
		select {
		case <-done:
			t.Stop()
		case <-t.C:
			w.log.Warn("handler did not return in time; abandoning it",
				logx.String("invocation", string(inv)),
				logx.Duration("stop_timeout", w.cfg.StopTimeout),
			)
		}
	}

	w.mu.Lock()
	w.state = StateTerminated
	w.mu.Unlock()
	close(w.terminated)

	fields := []logx.Field{logx.Int("discarded", len(discarded))}
	if logReason {
		fields = append(fields, logx.String("reason", reason))
	}
	w.log.Info("worker terminated", fields...)
	w.bus.Publish(eventbus.Event{Type: eventbus.WorkerTerminated, Data: WorkerEvent{WorkerID: w.id, JobID: w.jobID, Reason: reason}})
	if w.onTerminated != nil {
		w.onTerminated(w, reason)
	}
}

func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{
		ID:             w.id,
		JobID:          w.jobID,
		HandlerType:    w.h.Type().String(),
		HandlerName:    w.h.Name(),
		HandlerVersion: w.h.Version(),
		State:          w.state,
		QueueLen:       w.queue.Len(),
		InFlight:       w.inflight,
		Current:        w.current,
		CurrentSince:   w.currentSince,
		Created:        w.created,
		LastActive:     w.lastActive,
		Executed:       w.executed,
		Failed:         w.failed,
		StopReason:     w.stopReason,
	}
	s.History = append([]HistoryItem(nil), w.history...)
	return s
}

// admit counts a trigger in, unless the worker is stopping.
func (w *Worker) admit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateDraining || w.state == StateTerminated {
		return &trigger.StopError{Err: trigger.ErrWorkerTerminated, Reason: w.stopReason}
	}
	w.inflight++
	if w.state == StateIdle {
		w.state = StateRunning
	}
	return nil
}

func (w *Worker) release() {
	w.mu.Lock()
	if w.inflight > 0 {
		w.inflight--
	}
	if w.inflight == 0 && w.state == StateRunning {
		w.state = StateIdle
	}
	w.lastActive = time.Now()
	w.mu.Unlock()
}

func (w *Worker) loop(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { w.stop(ReasonShutdown, true) })
	defer stop()
	for {
		it, ok := w.next()
		if !ok {
			return
		}
		select {
		case w.slot <- struct{}{}:
		case <-w.killed:
			w.discard(it, w.StopReason())
			w.release()
			return
		}
		w.runItem(it)
		<-w.slot
	}
}

// next pops the next trigger, retiring the worker when it stays idle for
// IdleTimeout.
func (w *Worker) next() (*item, bool) {
	if w.cfg.IdleTimeout <= 0 {
		return w.queue.Pop(w.ctx)
	}
	for {
		pctx, cancel := context.WithTimeout(w.ctx, w.cfg.IdleTimeout)
		it, ok := w.queue.Pop(pctx)
		cancel()
		if ok {
			return it, true
		}
		if w.ctx.Err() != nil {
			return nil, false
		}
		if w.retireIfIdle() {
			return nil, false
		}
	}
}

func (w *Worker) retireIfIdle() bool {
	w.mu.Lock()
	if w.state != StateIdle || w.inflight > 0 || time.Since(w.lastActive) < w.cfg.IdleTimeout {
		w.mu.Unlock()
		return false
	}
	w.state = StateDraining
	w.stopReason = ReasonIdle
	w.mu.Unlock()

	w.finishStop(ReasonIdle, true)
	return true
}

func (w *Worker) runItem(it *item) {
	defer w.release()
	delay := time.Since(it.enqueued)

	if it.reply != nil {
		if err := it.ctx.Err(); err != nil {
			it.reply <- reply{err: err}
			return
		}
		res, err := w.execute(it.ctx, it.req, true, delay)
		if errors.Is(err, trigger.ErrDiscarded) {
			w.discard(it, w.StopReason())
			return
		}
		it.reply <- reply{res: res, err: err}
		return
	}

	res, err := w.execute(nil, it.req, false, delay)
	switch {
	case errors.Is(err, trigger.ErrDiscarded):
		w.discard(it, w.StopReason())
	case err != nil:
		w.report(it.req, statusOf(err), err.Error(), res.Duration)
	default:
		w.report(it.req, trigger.StatusSucceeded, "", res.Duration)
	}
}

// discard fails a trigger that never started.
func (w *Worker) discard(it *item, reason string) {
	if it.reply != nil {
		it.reply <- reply{err: &trigger.StopError{Err: trigger.ErrDiscarded, Reason: reason}}
	} else {
		w.report(it.req, trigger.StatusDiscarded, "discarded: "+reason, 0)
	}
	w.mu.Lock()
	w.recordLocked(HistoryItem{
		InvocationID: it.req.InvocationID,
		Sync:         it.reply != nil,
		Started:      time.Now(),
		QueueDelay:   time.Since(it.enqueued),
		Status:       trigger.StatusDiscarded,
		Error:        reason,
	})
	w.mu.Unlock()
}

// execute runs the handler for req while the caller holds the slot. A
// StopError wrapping ErrDiscarded means the handler never started.
func (w *Worker) execute(caller context.Context, req trigger.Request, sync bool, queueDelay time.Duration) (trigger.Result, error) {
	w.mu.Lock()
	if w.state == StateDraining || w.state == StateTerminated {
		reason := w.stopReason
		w.mu.Unlock()
		return trigger.Result{}, &trigger.StopError{Err: trigger.ErrDiscarded, Reason: reason}
	}
	handlerDone := make(chan struct{})
	started := time.Now()
	w.current, w.currentSince, w.currentDone = req.InvocationID, started, handlerDone
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current, w.currentSince, w.currentDone = "", time.Time{}, nil
		w.mu.Unlock()
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}
	ectx, cancel := context.WithCancelCause(w.ctx)
	defer cancel(nil)
	if caller != nil {
		stop := context.AfterFunc(caller, func() { cancel(context.Cause(caller)) })
		defer stop()
	}
	if timeout > 0 {
		var cancelT context.CancelFunc
		ectx, cancelT = context.WithTimeoutCause(ectx, timeout, trigger.ErrExecutionTimeout)
		defer cancelT()
	}

	ilog := w.log.With(logx.String("invocation", string(req.InvocationID)))
	ilog.Debug("invocation.started", logx.Bool("sync", sync), logx.Duration("queue_delay", queueDelay))
	w.bus.Publish(eventbus.Event{Type: eventbus.InvocationStarted, Time: started, Data: InvocationEvent{
		WorkerID: w.id, JobID: w.jobID, InvocationID: req.InvocationID, Sync: sync,
	}})

	type outcome struct {
		out any
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		defer close(handlerDone)
		defer func() {
			if p := recover(); p != nil {
				stack := string(debug.Stack())
				ilog.Error("handler panic", logx.Any("panic", p), logx.Stack(stack))
				resCh <- outcome{err: &trigger.PanicError{Value: p, Stack: stack}}
			}
		}()
		out, err := w.h.Invoke(ectx, req.Payload)
		resCh <- outcome{out: out, err: err}
	}()

	var o outcome
	select {
	case o = <-resCh:
		if o.err != nil && ectx.Err() != nil {
			o.err = interruptErr(context.Cause(ectx), timeout)
		}
	case <-ectx.Done():
		cause := context.Cause(ectx)
		t := time.NewTimer(w.cfg.StopTimeout)
		select {
		case o = <-resCh:
			t.Stop()
			if o.err != nil {
				o.err = interruptErr(cause, timeout)
			}
		case <-t.C:
			o = outcome{err: interruptErr(cause, timeout)}
			if errors.Is(cause, trigger.ErrExecutionTimeout) {
				ilog.Warn("handler ignored its timeout; terminating worker", logx.Duration("timeout", timeout))
				go w.stop(ReasonExecTimeout, true)
			}
		}
	}

	dur := time.Since(started)
	res := trigger.Result{JobID: req.JobID, InvocationID: req.InvocationID, Output: o.out, Started: started, Duration: dur}
	hist := HistoryItem{InvocationID: req.InvocationID, Sync: sync, Started: started, QueueDelay: queueDelay, Duration: dur, Status: trigger.StatusSucceeded}
	if o.err != nil {
		hist.Status = statusOf(o.err)
		hist.Error = o.err.Error()
	}

	w.mu.Lock()
	w.executed++
	if o.err != nil {
		w.failed++
	}
	w.lastActive = time.Now()
	w.recordLocked(hist)
	w.mu.Unlock()

	ev := InvocationEvent{WorkerID: w.id, JobID: w.jobID, InvocationID: req.InvocationID, Sync: sync, Duration: dur}
	if o.err != nil {
		ev.Error = o.err.Error()
		ilog.Warn("invocation.failed", logx.Bool("sync", sync), logx.Duration("dur", dur), logx.Err(o.err))
		w.bus.Publish(eventbus.Event{Type: eventbus.InvocationFailed, Data: ev})
	} else {
		ilog.Debug("invocation.finished", logx.Bool("sync", sync), logx.Duration("dur", dur))
		w.bus.Publish(eventbus.Event{Type: eventbus.InvocationFinished, Data: ev})
	}
	return res, o.err
}

func (w *Worker) recordLocked(h HistoryItem) {
	w.history = append(w.history, h)
	if len(w.history) > w.cfg.HistorySize {
		w.history = w.history[len(w.history)-w.cfg.HistorySize:]
	}
}

func (w *Worker) report(req trigger.Request, status trigger.Status, msg string, dur time.Duration) {
	err := w.sink.Report(context.Background(), statussink.Report{
		JobID:        req.JobID,
		InvocationID: req.InvocationID,
		Status:       status,
		Message:      msg,
		At:           time.Now(),
		Duration:     dur,
	})
	if err != nil {
		w.log.Debug("status report not accepted", logx.String("invocation", string(req.InvocationID)), logx.Err(err))
	}
}

func interruptErr(cause error, timeout time.Duration) error {
	var se *trigger.StopError
	switch {
	case errors.As(cause, &se):
		return se
	case errors.Is(cause, trigger.ErrExecutionTimeout):
		return fmt.Errorf("%w after %s", trigger.ErrExecutionTimeout, timeout)
	default:
		return cause
	}
}

func statusOf(err error) trigger.Status {
	switch {
	case err == nil:
		return trigger.StatusSucceeded
	case errors.Is(err, trigger.ErrWorkerKilled):
		return trigger.StatusKilled
	case errors.Is(err, trigger.ErrDiscarded):
		return trigger.StatusDiscarded
	default:
		return trigger.StatusFailed
	}
}
