package trigger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest     = errors.New("invalid trigger request")
	ErrUnsupportedJobType = errors.New("unsupported job type")
	ErrHandlerNotFound    = errors.New("handler not found")

	// ErrWorkerTerminated: the worker was already stopping when the trigger
	// arrived. Nothing ran; the trigger may be retried against a new worker.
	ErrWorkerTerminated = errors.New("worker terminated")
	// ErrWorkerKilled: the invocation had started and was interrupted by a force stop.
	ErrWorkerKilled = errors.New("worker killed")
	// ErrDiscarded: the invocation was queued and dropped by a force stop.
	ErrDiscarded        = errors.New("invocation discarded")
	ErrExecutionTimeout = errors.New("execution timeout")
	ErrQueueClosed      = errors.New("queue closed")
)

// PanicError is returned when a handler panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

// StopError carries the reason a worker was force-stopped. It unwraps to the
// sentinel describing what happened to the invocation.
type StopError struct {
	Err    error
	Reason string
}

func (e *StopError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Reason
}

func (e *StopError) Unwrap() error { return e.Err }
