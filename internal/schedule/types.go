package schedule

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"triggerd/internal/trigger"
)

// Dispatcher is the part of the trigger dispatcher schedules need.
type Dispatcher interface {
	Enqueue(ctx context.Context, req trigger.Request) (trigger.Ack, error)
	IsIdle(jobID trigger.JobID) bool
}

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty = Local
}

// Entry is one recurring trigger.
type Entry struct {
	Name string
	Spec string
	// Request is the template of every firing. InvocationID is always
	// replaced with a fresh one.
	Request trigger.Request
	// SkipIfBusy drops a firing while the job's worker still has work.
	SkipIfBusy bool
}

type def struct {
	entry   Entry
	spec    ParsedSpec
	entryID cron.EntryID
	phase   time.Duration

	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
	last    atomic.Value // trigger.InvocationID
}

type onceDef struct {
	req   trigger.Request
	at    time.Time
	ver   uint64
	timer *time.Timer
}

// Info describes one registered schedule.
type Info struct {
	Name           string               `json:"name"`
	Spec           string               `json:"spec"`
	JobID          trigger.JobID        `json:"job_id"`
	Type           trigger.JobType      `json:"type"`
	Once           bool                 `json:"once,omitempty"`
	Next           time.Time            `json:"next,omitempty"`
	Prev           time.Time            `json:"prev,omitempty"`
	Phase          time.Duration        `json:"phase,omitempty"`
	Fired          uint64               `json:"fired"`
	Skipped        uint64               `json:"skipped"`
	Failed         uint64               `json:"failed"`
	LastInvocation trigger.InvocationID `json:"last_invocation,omitempty"`
}

type Snapshot struct {
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	Timezone  string `json:"timezone"`
	Schedules []Info `json:"schedules"`
}
