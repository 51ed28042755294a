// Package registry is the authoritative JobID -> Worker map.
//
// At most one live worker exists per JobID. Mutations for one JobID are
// serialized by a per-JobID mutex; JobIDs are spread over shards so unrelated
// jobs never contend, and the slow ForceStop never runs under a shard lock.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"triggerd/internal/eventbus"
	"triggerd/internal/handler"
	rtsup "triggerd/internal/runtime/supervisor"
	"triggerd/internal/statussink"
	"triggerd/internal/trigger"
	"triggerd/internal/worker"
	logx "triggerd/pkg/logx"
)

const shardCount = 32

type Options struct {
	Worker     worker.Config
	Sink       statussink.Sink
	Bus        eventbus.Bus
	Log        logx.Logger
	Supervisor *rtsup.Supervisor
}

// Decide is called under the JobID lock with the current live worker (nil
// when none). Returning replace=false keeps cur.
type Decide func(cur *worker.Worker) (h handler.Handler, replace bool, reason string, err error)

// ReplaceEvent is the payload of worker.replaced events.
type ReplaceEvent struct {
	JobID       trigger.JobID `json:"job_id"`
	OldWorkerID string        `json:"old_worker_id"`
	NewWorkerID string        `json:"new_worker_id"`
	Reason      string        `json:"reason"`
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

type shard struct {
	mu      sync.Mutex
	workers map[trigger.JobID]*worker.Worker
	locks   map[trigger.JobID]*jobLock
}

type Registry struct {
	shards [shardCount]*shard

	sink statussink.Sink
	bus  eventbus.Bus
	log  logx.Logger
	wlog logx.Logger
	sup  *rtsup.Supervisor

	cfgMu sync.RWMutex
	wcfg  worker.Config
}

func New(opts Options) *Registry {
	if opts.Bus == nil {
		opts.Bus = eventbus.Nop{}
	}
	r := &Registry{
		sink: opts.Sink,
		bus:  opts.Bus,
		log:  opts.Log.With(logx.String("comp", "registry")),
		wlog: opts.Log,
		sup:  opts.Supervisor,
		wcfg: opts.Worker,
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			workers: map[trigger.JobID]*worker.Worker{},
			locks:   map[trigger.JobID]*jobLock{},
		}
	}
	return r
}

// SetWorkerConfig changes the config of workers created from now on.
func (r *Registry) SetWorkerConfig(cfg worker.Config) {
	r.cfgMu.Lock()
	r.wcfg = cfg
	r.cfgMu.Unlock()
}

func (r *Registry) WorkerConfig() worker.Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.wcfg
}

func (r *Registry) shardFor(id trigger.JobID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// lockJob takes the per-JobID mutex. Lock entries are ref-counted so the map
// only holds JobIDs somebody is working on.
func (r *Registry) lockJob(id trigger.JobID) func() {
	s := r.shardFor(id)
	s.mu.Lock()
	l := s.locks[id]
	if l == nil {
		l = &jobLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (r *Registry) get(id trigger.JobID) *worker.Worker {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id]
}

// deleteIf removes id only while it still maps to w.
func (r *Registry) deleteIf(id trigger.JobID, w *worker.Worker) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[id] != w {
		return false
	}
	delete(s.workers, id)
	return true
}

func (r *Registry) onTerminated(w *worker.Worker, _ string) {
	if r.deleteIf(w.JobID(), w) {
		r.log.Debug("worker released", logx.String("job", string(w.JobID())), logx.String("worker", w.ID()))
	}
}

func stopping(w *worker.Worker) bool {
	st := w.State()
	return st == worker.StateDraining || st == worker.StateTerminated
}

// Lookup returns the live worker for id, or nil. Workers that are already
// stopping are not returned.
func (r *Registry) Lookup(id trigger.JobID) *worker.Worker {
	w := r.get(id)
	if w == nil || stopping(w) {
		return nil
	}
	return w
}

// Held returns the worker registered for id, including one that is still
// stopping. It is nil once the slot is released.
func (r *Registry) Held(id trigger.JobID) *worker.Worker {
	return r.get(id)
}

// RegisterOrReplace force-stops the current worker for id (if any), then
// creates, stores and starts a new one around h.
func (r *Registry) RegisterOrReplace(id trigger.JobID, h handler.Handler, reason string) *worker.Worker {
	unlock := r.lockJob(id)
	defer unlock()
	return r.replaceLocked(id, r.get(id), h, reason)
}

// Acquire runs lookup, decide and reuse-or-replace as one step for id.
func (r *Registry) Acquire(id trigger.JobID, decide Decide) (*worker.Worker, error) {
	unlock := r.lockJob(id)
	defer unlock()

	cur := r.get(id)
	if cur != nil && stopping(cur) {
		// A worker retiring on its own finishes within its stop timeout.
		<-cur.Done()
		r.deleteIf(id, cur)
		cur = nil
	}
	h, replace, reason, err := decide(cur)
	if err != nil {
		return nil, err
	}
	if cur != nil && !replace {
		return cur, nil
	}
	return r.replaceLocked(id, cur, h, reason), nil
}

func (r *Registry) replaceLocked(id trigger.JobID, old *worker.Worker, h handler.Handler, reason string) *worker.Worker {
	if old != nil {
		if !old.ForceStop(reason) {
			<-old.Done()
		}
		r.deleteIf(id, old)
	}

	w := worker.New(id, h, r.WorkerConfig(), worker.Deps{
		Sink:         r.sink,
		Bus:          r.bus,
		Log:          r.wlog,
		OnTerminated: r.onTerminated,
	})
	s := r.shardFor(id)
	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()
	w.Start(r.sup)

	if old != nil {
		r.log.Info("worker replaced",
			logx.String("job", string(id)),
			logx.String("reason", reason),
			logx.String("old", old.ID()),
			logx.String("new", w.ID()),
			logx.String("version", h.Version()),
		)
		r.bus.Publish(eventbus.Event{Type: eventbus.WorkerReplaced, Data: ReplaceEvent{JobID: id, OldWorkerID: old.ID(), NewWorkerID: w.ID(), Reason: reason}})
	} else {
		r.log.Debug("worker created", logx.String("job", string(id)), logx.String("worker", w.ID()), logx.String("reason", reason))
	}
	return w
}

// Remove force-stops and removes the worker for id. It returns false when no
// live worker existed.
func (r *Registry) Remove(id trigger.JobID, reason string, invocationID trigger.InvocationID) bool {
	unlock := r.lockJob(id)
	defer unlock()

	w := r.get(id)
	if w == nil {
		return false
	}
	stopped := w.ForceStop(reason)
	if !stopped {
		<-w.Done()
	}
	r.deleteIf(id, w)
	if stopped {
		fields := []logx.Field{logx.String("job", string(id)), logx.String("worker", w.ID()), logx.String("reason", reason)}
		if invocationID != "" {
			fields = append(fields, logx.String("invocation", string(invocationID)))
		}
		r.log.Info("worker removed", fields...)
	}
	return stopped
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.workers)
		s.mu.Unlock()
	}
	return n
}

func (r *Registry) workers() []*worker.Worker {
	var out []*worker.Worker
	for _, s := range r.shards {
		s.mu.Lock()
		for _, w := range s.workers {
			out = append(out, w)
		}
		s.mu.Unlock()
	}
	return out
}

// Snapshot returns every registered worker, sorted by JobID.
func (r *Registry) Snapshot() []worker.Snapshot {
	ws := r.workers()
	out := make([]worker.Snapshot, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// StopAll force-stops every worker in parallel and returns how many were
// stopped.
func (r *Registry) StopAll(reason string) int {
	ws := r.workers()
	if len(ws) == 0 {
		return 0
	}
	start := time.Now()
	var (
		g errgroup.Group
		n atomic.Int64
	)
	for _, w := range ws {
		g.Go(func() error {
			if r.Remove(w.JobID(), reason, "") {
				n.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	r.log.Info("workers stopped", logx.Int("count", int(n.Load())), logx.String("reason", reason), logx.Duration("took", time.Since(start)))
	return int(n.Load())
}
