package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "triggerd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Records are appended to <path> as JSON Lines. On open the file is replayed
// into a bounded per-job tail so RecentStatus never rescans the log.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	file *os.File

	perJob int
	recent map[string][]StatusRecord // oldest first, len <= perJob
	byInv  map[string]StatusRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	perJob := cfg.RecentPerJob
	if perJob <= 0 {
		perJob = 100
	}

	s := &fileStore{
		log:    log,
		perJob: perJob,
		recent: map[string][]StatusRecord{},
		byInv:  map[string]StatusRecord{},
	}
	if err := s.replay(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("status log replay failed", logx.String("path", path), logx.Err(err))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.file = f
	return s, nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r StatusRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn last line after a crash; skip it.
			continue
		}
		s.indexLocked(r)
	}
	return sc.Err()
}

func (s *fileStore) indexLocked(r StatusRecord) {
	tail := append(s.recent[r.JobID], r)
	if len(tail) > s.perJob {
		for _, old := range tail[:len(tail)-s.perJob] {
			if cur, ok := s.byInv[old.InvocationID]; ok && cur.At.Equal(old.At) && cur.Status == old.Status {
				delete(s.byInv, old.InvocationID)
			}
		}
		tail = append([]StatusRecord(nil), tail[len(tail)-s.perJob:]...)
	}
	s.recent[r.JobID] = tail
	s.byInv[r.InvocationID] = r
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) AppendStatus(ctx context.Context, r StatusRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("status log closed")
	}
	if err := json.NewEncoder(s.file).Encode(r); err != nil {
		return err
	}
	s.indexLocked(r)
	return nil
}

func (s *fileStore) RecentStatus(ctx context.Context, jobID string, limit int) ([]StatusRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	tail := s.recent[jobID]
	if limit <= 0 || limit > len(tail) {
		limit = len(tail)
	}
	out := make([]StatusRecord, 0, limit)
	for i := len(tail) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, tail[i])
	}
	return out, nil
}

func (s *fileStore) StatusOf(ctx context.Context, invocationID string) (StatusRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byInv[invocationID]
	return r, ok, nil
}
