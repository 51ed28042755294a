// Package dispatcher is the scheduler entry point: it routes triggers to the
// single worker of their job, replacing the worker first when its handler can
// no longer serve the trigger.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triggerd/internal/handler"
	"triggerd/internal/registry"
	"triggerd/internal/statussink"
	"triggerd/internal/trigger"
	"triggerd/internal/worker"
	logx "triggerd/pkg/logx"
)

const (
	ReasonManualStop  = "manual stop"
	ReasonTriggerStop = "trigger stop"
)

// Resolver is the handler policy the dispatcher consults.
type Resolver interface {
	Resolve(existing handler.Handler, req trigger.Request) (h handler.Handler, mustReplace bool, reason string, err error)
}

type Options struct {
	Registry *registry.Registry
	Resolver Resolver
	Sink     statussink.Sink
	Log      logx.Logger
	// Retries bounds re-dispatches when the chosen worker terminated between
	// lookup and admission.
	Retries int
}

type Dispatcher struct {
	reg      *registry.Registry
	resolver Resolver
	sink     statussink.Sink
	log      logx.Logger
	retries  int
}

func New(opts Options) *Dispatcher {
	if opts.Sink == nil {
		opts.Sink = statussink.Discard
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	return &Dispatcher{
		reg:      opts.Registry,
		resolver: opts.Resolver,
		sink:     opts.Sink,
		log:      opts.Log.With(logx.String("comp", "dispatcher")),
		retries:  opts.Retries,
	}
}

// Dispatch runs req on its job's worker. A sync dispatch returns the
// handler's result; an async one returns an acknowledgement and reports the
// outcome through the status sink.
//
// Validation and resolver errors are returned before any worker is touched.
func (d *Dispatcher) Dispatch(ctx context.Context, req trigger.Request, sync bool) (trigger.Outcome, error) {
	if err := req.Validate(); err != nil {
		return trigger.Outcome{}, err
	}
	if req.InvocationID == "" {
		req.InvocationID = trigger.NewInvocationID()
	}

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		w, err := d.acquire(req)
		if err != nil {
			d.log.Debug("trigger rejected",
				logx.String("job", string(req.JobID)),
				logx.String("invocation", string(req.InvocationID)),
				logx.String("type", req.Type.String()),
				logx.Err(err),
			)
			return trigger.Outcome{}, err
		}

		out, err := d.route(ctx, w, req, sync)
		if !errors.Is(err, trigger.ErrWorkerTerminated) {
			return out, err
		}
		lastErr = err
		d.log.Debug("worker terminated before admission; retrying",
			logx.String("job", string(req.JobID)),
			logx.String("invocation", string(req.InvocationID)),
			logx.Int("attempt", attempt+1),
		)
	}
	return trigger.Outcome{}, fmt.Errorf("dispatch %s: %w", req.JobID, lastErr)
}

// acquire returns the worker that serves req, creating or replacing it when
// the resolver says so.
func (d *Dispatcher) acquire(req trigger.Request) (*worker.Worker, error) {
	seen := d.reg.Lookup(req.JobID)
	var existing handler.Handler
	if seen != nil {
		existing = seen.Handler()
	}
	h, replace, reason, err := d.resolver.Resolve(existing, req)
	if err != nil {
		return nil, err
	}
	if seen != nil && !replace {
		return seen, nil
	}

	// Re-check under the job lock: a racing dispatch may have replaced the
	// worker since the lookup above.
	return d.reg.Acquire(req.JobID, func(cur *worker.Worker) (handler.Handler, bool, string, error) {
		if cur == seen {
			return h, replace || cur == nil, reason, nil
		}
		var curHandler handler.Handler
		if cur != nil {
			curHandler = cur.Handler()
		}
		return d.resolver.Resolve(curHandler, req)
	})
}

func (d *Dispatcher) route(ctx context.Context, w *worker.Worker, req trigger.Request, sync bool) (trigger.Outcome, error) {
	if sync {
		res, err := w.RunSync(ctx, req)
		if err != nil {
			return trigger.Outcome{Sync: true}, err
		}
		return trigger.Outcome{Sync: true, Result: &res}, nil
	}
	ack, err := w.PushAsync(req)
	if err != nil {
		return trigger.Outcome{}, err
	}
	return trigger.Outcome{Ack: &ack}, nil
}

// Run dispatches req synchronously.
func (d *Dispatcher) Run(ctx context.Context, req trigger.Request) (trigger.Result, error) {
	out, err := d.Dispatch(ctx, req, true)
	if err != nil {
		return trigger.Result{}, err
	}
	return *out.Result, nil
}

// Enqueue dispatches req asynchronously.
func (d *Dispatcher) Enqueue(ctx context.Context, req trigger.Request) (trigger.Ack, error) {
	out, err := d.Dispatch(ctx, req, false)
	if err != nil {
		return trigger.Ack{}, err
	}
	return *out.Ack, nil
}

// StopJob force-stops the worker of jobID. Stopping a job without a worker is
// not an error.
func (d *Dispatcher) StopJob(jobID trigger.JobID) trigger.StopStatus {
	if d.reg.Remove(jobID, ReasonManualStop, "") {
		return trigger.StopStopped
	}
	d.log.Debug("stop: no live worker", logx.String("job", string(jobID)))
	return trigger.StopAlreadyStopped
}

// StopTrigger stops invocationID by force-stopping its whole worker. When no
// worker exists, the invocation is reported as not found so pollers are not
// left waiting.
func (d *Dispatcher) StopTrigger(jobID trigger.JobID, invocationID trigger.InvocationID, isExecuting bool) trigger.StopStatus {
	if d.reg.Remove(jobID, ReasonTriggerStop, invocationID) {
		return trigger.StopStopped
	}
	msg := "no live worker for job; invocation already finished or never started"
	if isExecuting {
		msg = "invocation reported executing but no live worker exists"
	}
	err := d.sink.Report(context.Background(), statussink.Report{
		JobID:        jobID,
		InvocationID: invocationID,
		Status:       trigger.StatusNotFound,
		Message:      msg,
		At:           time.Now(),
	})
	if err != nil {
		d.log.Warn("status report not accepted", logx.String("invocation", string(invocationID)), logx.Err(err))
	}
	return trigger.StopAlreadyStopped
}

// IsIdle reports whether jobID has no worker or an idle one. A worker that
// is still draining after a force stop counts as busy: its handler may run
// for up to the stop timeout.
func (d *Dispatcher) IsIdle(jobID trigger.JobID) bool {
	w := d.reg.Held(jobID)
	if w == nil {
		return true
	}
	switch w.State() {
	case worker.StateDraining:
		return false
	case worker.StateTerminated:
		return true
	}
	return w.IsIdle()
}

func (d *Dispatcher) Ping() string { return "pong" }
