package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "triggerd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendStatus(ctx context.Context, r StatusRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocation_status(at, job_id, invocation_id, status, message, duration_ms)
		 VALUES(?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.JobID, r.InvocationID, r.Status, nullStr(r.Message), r.DurationMS,
	)
	return err
}

func (s *sqliteStore) RecentStatus(ctx context.Context, jobID string, limit int) ([]StatusRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, job_id, invocation_id, status, message, duration_ms
		 FROM invocation_status WHERE job_id = ? ORDER BY id DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusRecord
	for rows.Next() {
		r, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) StatusOf(ctx context.Context, invocationID string) (StatusRecord, bool, error) {
	if s == nil || s.db == nil {
		return StatusRecord{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT at, job_id, invocation_id, status, message, duration_ms
		 FROM invocation_status WHERE invocation_id = ? ORDER BY id DESC LIMIT 1`,
		invocationID,
	)
	r, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusRecord{}, false, nil
	}
	if err != nil {
		return StatusRecord{}, false, err
	}
	return r, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(sc scanner) (StatusRecord, error) {
	var (
		r   StatusRecord
		at  string
		msg sql.NullString
	)
	if err := sc.Scan(&at, &r.JobID, &r.InvocationID, &r.Status, &msg, &r.DurationMS); err != nil {
		return StatusRecord{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return StatusRecord{}, fmt.Errorf("bad timestamp %q: %w", at, err)
	}
	r.At = t
	r.Message = msg.String
	return r, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
