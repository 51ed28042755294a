package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"triggerd/internal/trigger"
)

// ManagedFunc is an in-process job body.
type ManagedFunc func(ctx context.Context, payload json.RawMessage) (any, error)

type managedEntry struct {
	fn  ManagedFunc
	gen uint64
}

// ManagedSource is the registry of Managed job bodies by name. Registering a
// name again swaps the function and bumps its generation; workers holding the
// old generation are replaced on their next trigger.
type ManagedSource struct {
	mu      sync.RWMutex
	entries map[string]managedEntry
	gen     uint64
}

func NewManagedSource() *ManagedSource {
	return &ManagedSource{entries: map[string]managedEntry{}}
}

func (s *ManagedSource) Register(name string, fn ManagedFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("managed handler name required")
	}
	if fn == nil {
		return fmt.Errorf("managed handler %q: nil func", name)
	}
	s.mu.Lock()
	s.gen++
	s.entries[name] = managedEntry{fn: fn, gen: s.gen}
	s.mu.Unlock()
	return nil
}

// Unregister removes name. Live workers keep running the old function until
// their next trigger fails resolution.
func (s *ManagedSource) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; !ok {
		return false
	}
	delete(s.entries, name)
	return true
}

// Lookup returns the current function for name and its registration generation.
func (s *ManagedSource) Lookup(name string) (ManagedFunc, uint64, bool) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	return e.fn, e.gen, ok
}

func (s *ManagedSource) Names() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for n := range s.entries {
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

type managedHandler struct {
	name string
	fn   ManagedFunc
	gen  uint64
}

func newManagedHandler(name string, fn ManagedFunc, gen uint64) *managedHandler {
	return &managedHandler{name: name, fn: fn, gen: gen}
}

func (h *managedHandler) Invoke(ctx context.Context, payload json.RawMessage) (any, error) {
	return h.fn(ctx, payload)
}

func (h *managedHandler) Type() trigger.JobType { return trigger.JobTypeManaged }
func (h *managedHandler) Name() string          { return h.name }
func (h *managedHandler) Version() string       { return "gen-" + strconv.FormatUint(h.gen, 10) }
