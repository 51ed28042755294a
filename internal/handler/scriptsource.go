package handler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "triggerd/pkg/logx"
)

const scriptExt = ".js"

// Script is one loaded script body.
type Script struct {
	Name    string
	Source  string
	Version string
	ModTime time.Time
	size    int64
}

// ScriptSource loads Scripted job bodies from <dir>/<name>.js and caches them.
//
// Without Watch every Load stats the file and rereads it when size or mtime
// changed. While Watch runs, the cache is trusted and invalidated from
// fsnotify events instead.
type ScriptSource struct {
	dir string
	log logx.Logger

	mu    sync.RWMutex
	cache map[string]Script

	watching atomic.Bool
	onChange func(name string)
}

func NewScriptSource(dir string, log logx.Logger) *ScriptSource {
	return &ScriptSource{dir: dir, log: log.With(logx.String("comp", "scripts")), cache: map[string]Script{}}
}

func (s *ScriptSource) Dir() string { return s.dir }

// OnChange installs a callback fired (from the watcher goroutine) after a
// script file changed on disk.
func (s *ScriptSource) OnChange(fn func(name string)) { s.onChange = fn }

func validScriptName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// Load returns the current body of script name. A missing file is
// ErrScriptNotFound.
func (s *ScriptSource) Load(name string) (Script, error) {
	if !validScriptName(name) {
		return Script{}, fmt.Errorf("%w: invalid script name %q", ErrScriptNotFound, name)
	}
	if s.dir == "" {
		return Script{}, fmt.Errorf("%w: %s (no script directory configured)", ErrScriptNotFound, name)
	}

	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && s.watching.Load() {
		return cached, nil
	}

	path := filepath.Join(s.dir, name+scriptExt)
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.Invalidate(name)
			return Script{}, fmt.Errorf("%w: %s", ErrScriptNotFound, name)
		}
		return Script{}, err
	}
	if ok && fi.Size() == cached.size && fi.ModTime().Equal(cached.ModTime) {
		return cached, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.Invalidate(name)
			return Script{}, fmt.Errorf("%w: %s", ErrScriptNotFound, name)
		}
		return Script{}, err
	}
	sc := Script{
		Name:    name,
		Source:  string(b),
		Version: ContentVersion(string(b)),
		ModTime: fi.ModTime(),
		size:    fi.Size(),
	}
	s.mu.Lock()
	s.cache[name] = sc
	s.mu.Unlock()
	if ok && cached.Version != sc.Version {
		s.log.Debug("script reloaded", logx.String("script", name), logx.String("version", sc.Version))
	}
	return sc, nil
}

func (s *ScriptSource) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

func (s *ScriptSource) invalidateAll() {
	s.mu.Lock()
	s.cache = map[string]Script{}
	s.mu.Unlock()
}

// Watch keeps the cache fresh until ctx is done. The watcher recreates itself
// with backoff when fsnotify breaks.
func (s *ScriptSource) Watch(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
		debounceDelay      = 150 * time.Millisecond
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}

	var (
		timersMu sync.Mutex
		timers   = map[string]*time.Timer{}
	)
	debounce := func(name string) {
		timersMu.Lock()
		defer timersMu.Unlock()
		if t := timers[name]; t != nil {
			t.Stop()
		}
		timers[name] = time.AfterFunc(debounceDelay, func() {
			timersMu.Lock()
			delete(timers, name)
			timersMu.Unlock()
			s.Invalidate(name)
			s.log.Debug("script changed", logx.String("script", name))
			if s.onChange != nil {
				s.onChange(name)
			}
		})
	}
	defer func() {
		timersMu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		timersMu.Unlock()
		s.watching.Store(false)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(s.dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			s.log.Warn("script watch init failed", logx.Err(err), logx.String("dir", s.dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		// Events may have been missed while no watcher existed.
		s.invalidateAll()
		s.watching.Store(true)
		s.log.Debug("script watcher started", logx.String("dir", s.dir))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				base := filepath.Base(ev.Name)
				if !strings.EqualFold(filepath.Ext(base), scriptExt) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					debounce(strings.TrimSuffix(base, filepath.Ext(base)))
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					s.log.Warn("script watch overflow; dropping cache", logx.String("dir", s.dir))
					s.invalidateAll()
					continue
				}
				s.log.Warn("script watch error", logx.Err(err), logx.String("dir", s.dir))
			}
		}

		s.watching.Store(false)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		s.log.Warn("script watcher stopped; restarting", logx.String("dir", s.dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
