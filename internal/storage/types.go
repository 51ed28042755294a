package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// RecentPerJob bounds the in-memory tail kept by the file backend.
	RecentPerJob int
}

// StatusRecord is one row of the invocation status log.
// Keep it compact and schema-stable.
type StatusRecord struct {
	At           time.Time `json:"at"`
	JobID        string    `json:"job_id"`
	InvocationID string    `json:"invocation_id"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
}
