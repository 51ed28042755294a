package storage

import (
	"context"
	"errors"
	"strings"

	logx "triggerd/pkg/logx"
)

// Store is the persistence API used by the status sink and diagnostics.
type Store interface {
	AppendStatus(ctx context.Context, r StatusRecord) error
	// RecentStatus returns up to limit records for jobID, newest first.
	RecentStatus(ctx context.Context, jobID string, limit int) ([]StatusRecord, error)
	// StatusOf returns the latest record for an invocation.
	StatusOf(ctx context.Context, invocationID string) (StatusRecord, bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
