package trigger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobID names a logical recurring job. At most one live worker exists per JobID.
type JobID string

// InvocationID identifies one trigger attempt. It correlates logs and status
// reports and targets cancellation.
type InvocationID string

// NewInvocationID returns a K-sortable (UUIDv7) invocation id.
func NewInvocationID() InvocationID {
	id, err := uuid.NewV7()
	if err != nil {
		return InvocationID(uuid.NewString())
	}
	return InvocationID(id.String())
}

// JobType selects the handler strategy for a trigger.
//
// The set is closed: adding a variant means adding a case to the resolver.
type JobType int

const (
	JobTypeUnknown JobType = iota
	// JobTypeManaged runs a Go function registered in-process.
	JobTypeManaged
	// JobTypeScripted runs an embedded JavaScript handler.
	JobTypeScripted
	// The following need an external runtime the scheduler does not host.
	JobTypeShell
	JobTypePython
	JobTypeNodeJS
	JobTypePowerShell
)

var jobTypeNames = map[JobType]string{
	JobTypeUnknown:    "unknown",
	JobTypeManaged:    "managed",
	JobTypeScripted:   "scripted",
	JobTypeShell:      "shell",
	JobTypePython:     "python",
	JobTypeNodeJS:     "nodejs",
	JobTypePowerShell: "powershell",
}

func (t JobType) String() string {
	if s, ok := jobTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("jobtype(%d)", int(t))
}

// ParseJobType maps a tag (case-insensitive) to a JobType.
// A few legacy aliases are accepted ("bean", "glue_groovy", "script").
func ParseJobType(s string) (JobType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "managed", "bean":
		return JobTypeManaged, nil
	case "scripted", "script", "glue_groovy", "js":
		return JobTypeScripted, nil
	case "shell", "glue_shell":
		return JobTypeShell, nil
	case "python", "glue_python":
		return JobTypePython, nil
	case "nodejs", "glue_nodejs":
		return JobTypeNodeJS, nil
	case "powershell", "glue_powershell":
		return JobTypePowerShell, nil
	}
	return JobTypeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedJobType, s)
}

func (t JobType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *JobType) UnmarshalText(b []byte) error {
	v, err := ParseJobType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Request describes one invocation. It is created by the caller and never
// mutated after it reaches the dispatcher.
type Request struct {
	JobID        JobID        `json:"job_id"`
	InvocationID InvocationID `json:"invocation_id"`
	Type         JobType      `json:"type"`

	// HandlerVersion marks staleness (a last-modified stamp or content hash).
	HandlerVersion string `json:"handler_version,omitempty"`

	// Handler is the registered function name (Managed) or script name
	// (Scripted). Empty means JobID.
	Handler string `json:"handler,omitempty"`

	// Script carries inline source for Scripted triggers. When empty the
	// script is loaded by name from the script directory.
	Script string `json:"script,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	// Timeout bounds one execution. 0 uses the scheduler default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// HandlerName returns the effective handler/script name.
func (r Request) HandlerName() string {
	if n := strings.TrimSpace(r.Handler); n != "" {
		return n
	}
	return string(r.JobID)
}

// Validate checks the fields every dispatch needs.
func (r Request) Validate() error {
	if strings.TrimSpace(string(r.JobID)) == "" {
		return fmt.Errorf("%w: job id required", ErrInvalidRequest)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0", ErrInvalidRequest)
	}
	return nil
}

// Result is what a synchronous dispatch returns.
type Result struct {
	JobID        JobID
	InvocationID InvocationID
	Output       any
	Started      time.Time
	Duration     time.Duration
}

// Ack acknowledges an accepted asynchronous trigger. It carries no result.
type Ack struct {
	JobID        JobID
	InvocationID InvocationID
	WorkerID     string
	Position     int
}

// Outcome is the return value of a dispatch: Result for sync, Ack for async.
type Outcome struct {
	Sync   bool
	Result *Result
	Ack    *Ack
}

// StopStatus is the (always successful) outcome of a stop request.
type StopStatus int

const (
	StopStopped StopStatus = iota
	StopAlreadyStopped
)

func (s StopStatus) String() string {
	switch s {
	case StopStopped:
		return "success"
	case StopAlreadyStopped:
		return "already stopped"
	}
	return fmt.Sprintf("stopstatus(%d)", int(s))
}

// Status is an invocation status delivered to the status sink.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusDiscarded: queued but never started because its worker was replaced or stopped.
	StatusDiscarded Status = "discarded"
	// StatusKilled: started, then interrupted by a force stop.
	StatusKilled Status = "killed"
	// StatusNotFound: a stop targeted an invocation with no live worker.
	StatusNotFound Status = "not_found"
)

// Failure reports whether the status ends an invocation unsuccessfully.
func (s Status) Failure() bool { return s != StatusSucceeded }
