package worker

import (
	"fmt"
	"strings"
	"time"

	"triggerd/internal/trigger"
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SyncPolicy decides where a synchronous trigger goes when the worker is busy.
type SyncPolicy int

const (
	// SyncQueueJump waits for the execution slot and runs ahead of pending
	// async triggers.
	SyncQueueJump SyncPolicy = iota
	// SyncFIFO queues the sync trigger behind pending async triggers.
	SyncFIFO
)

func (p SyncPolicy) String() string {
	if p == SyncFIFO {
		return "fifo"
	}
	return "queue_jump"
}

func ParseSyncPolicy(s string) (SyncPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "queue_jump", "queue-jump", "jump":
		return SyncQueueJump, nil
	case "fifo":
		return SyncFIFO, nil
	}
	return SyncQueueJump, fmt.Errorf("unknown sync policy %q (want queue_jump|fifo)", s)
}

// HistoryItem is one finished (or discarded) invocation.
type HistoryItem struct {
	InvocationID trigger.InvocationID `json:"invocation_id"`
	Sync         bool                 `json:"sync"`
	Started      time.Time            `json:"started"`
	QueueDelay   time.Duration        `json:"queue_delay"`
	Duration     time.Duration        `json:"duration"`
	Status       trigger.Status       `json:"status"`
	Error        string               `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of a worker for diagnostics.
type Snapshot struct {
	ID             string               `json:"id"`
	JobID          trigger.JobID        `json:"job_id"`
	HandlerType    string               `json:"handler_type"`
	HandlerName    string               `json:"handler_name"`
	HandlerVersion string               `json:"handler_version"`
	State          State                `json:"state"`
	QueueLen       int                  `json:"queue_len"`
	InFlight       int                  `json:"in_flight"`
	Current        trigger.InvocationID `json:"current,omitempty"`
	CurrentSince   time.Time            `json:"current_since,omitempty"`
	Created        time.Time            `json:"created"`
	LastActive     time.Time            `json:"last_active"`
	Executed       uint64               `json:"executed"`
	Failed         uint64               `json:"failed"`
	StopReason     string               `json:"stop_reason,omitempty"`
	History        []HistoryItem        `json:"history,omitempty"`
}
