// Package statussink delivers invocation status reports to external
// collaborators.
//
// The scheduler reports through a Sink whenever a result cannot be returned to
// a caller: async executions (success or failure), triggers discarded by a
// worker replacement, and stop requests for invocations that no longer exist.
package statussink

import (
	"context"
	"errors"
	"time"

	"triggerd/internal/eventbus"
	"triggerd/internal/storage"
	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

// Report is one status update keyed by InvocationID.
type Report struct {
	JobID        trigger.JobID        `json:"job_id"`
	InvocationID trigger.InvocationID `json:"invocation_id"`
	Status       trigger.Status       `json:"status"`
	Message      string               `json:"message,omitempty"`
	At           time.Time            `json:"at"`
	Duration     time.Duration        `json:"duration,omitempty"`
}

// Sink receives status reports. Implementations may block or fail; callers
// that must not be slowed down wrap them with Async.
type Sink interface {
	Report(ctx context.Context, r Report) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, r Report) error

func (f Func) Report(ctx context.Context, r Report) error { return f(ctx, r) }

// Discard drops every report.
var Discard Sink = Func(func(context.Context, Report) error { return nil })

// Multi fans a report out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Report(ctx context.Context, r Report) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes reports to the structured log. Failures log at warn.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Report(_ context.Context, r Report) error {
	fields := []logx.Field{
		logx.String("job", string(r.JobID)),
		logx.String("invocation", string(r.InvocationID)),
		logx.String("status", string(r.Status)),
	}
	if r.Message != "" {
		fields = append(fields, logx.String("msg", r.Message))
	}
	if r.Duration > 0 {
		fields = append(fields, logx.Duration("dur", r.Duration))
	}
	if r.Status.Failure() {
		s.Log.Warn("invocation.status", fields...)
	} else {
		s.Log.Debug("invocation.status", fields...)
	}
	return nil
}

// StoreSink appends reports to the invocation status log.
type StoreSink struct {
	Store storage.Store
}

func (s StoreSink) Report(ctx context.Context, r Report) error {
	if s.Store == nil {
		return storage.ErrDisabled
	}
	return s.Store.AppendStatus(ctx, storage.StatusRecord{
		At:           r.At,
		JobID:        string(r.JobID),
		InvocationID: string(r.InvocationID),
		Status:       string(r.Status),
		Message:      r.Message,
		DurationMS:   r.Duration.Milliseconds(),
	})
}

// BusSink publishes reports on the event bus.
type BusSink struct {
	Bus eventbus.Bus
}

func (s BusSink) Report(_ context.Context, r Report) error {
	if s.Bus != nil {
		s.Bus.Publish(eventbus.Event{Type: eventbus.InvocationStatus, Time: r.At, Data: r})
	}
	return nil
}
