package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	d      Dispatcher
	parser cron.Parser
	c      *cron.Cron

	// ctx is read by cron jobs, which must not take mu: restarts hold mu
	// while waiting for running jobs.
	ctxMu sync.RWMutex
	ctx   context.Context

	defs map[string]*def
	once map[string]*onceDef

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, d Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "schedule")),
		d:   d,
		parser:   specParser,
		ctx:      context.Background(),
		defs:     map[string]*def{},
		once:     map[string]*onceDef{},
		lastWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change re-registers every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && tzChanged {
		s.restartLocked()
	}
}

// Start begins firing. Triggers are enqueued with ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()
	s.startLocked()
	s.armOnceLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, name := range s.namesLocked() {
		if err := s.addCronLocked(s.defs[name]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop stops firing. Definitions are kept so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, o := range s.once {
		if o.timer != nil {
			o.timer.Stop()
			o.timer = nil
		}
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Add registers or replaces the schedule e.Name.
func (s *Service) Add(e Entry) error {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidSchedule)
	}
	if err := e.Request.Validate(); err != nil {
		return fmt.Errorf("schedule %s: %w", e.Name, err)
	}
	ps, err := ParseSchedule(e.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", e.Name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w: %v", e.Name, ErrInvalidSchedule, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(e.Name)
	d := &def{entry: e, spec: ps}
	s.defs[e.Name] = d
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			delete(s.defs, e.Name)
			return fmt.Errorf("schedule %s: %w", e.Name, err)
		}
		fields := []logx.Field{logx.String("name", e.Name), logx.String("spec", ps.CronSpec()), logx.String("job", string(e.Request.JobID))}
		if next := s.previewLocked(d, 3); next != "" {
			fields = append(fields, logx.String("next", next))
		}
		s.log.Debug("schedule registered", fields...)
	}
	return nil
}

// AddDaily registers a schedule firing every day at atHHMM in the
// scheduler's timezone.
func (s *Service) AddDaily(name, atHHMM string, req trigger.Request) error {
	spec, err := DailySpec(atHHMM)
	if err != nil {
		return err
	}
	return s.Add(Entry{Name: name, Spec: "cron:" + spec, Request: req})
}

// Set makes the registered schedules match entries: missing ones are
// removed, new or changed ones (re)registered. Invalid entries are skipped
// and returned joined.
func (s *Service) Set(entries []Entry) error {
	want := make(map[string]bool, len(entries))
	var errs []error
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		want[name] = true
		s.mu.Lock()
		cur := s.defs[name]
		same := cur != nil && sameEntry(cur.entry, e)
		s.mu.Unlock()
		if same {
			continue
		}
		if err := s.Add(e); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	for _, name := range s.namesLocked() {
		if !want[name] {
			s.removeLocked(name)
			s.log.Debug("schedule removed", logx.String("name", name))
		}
	}
	s.mu.Unlock()
	return errors.Join(errs...)
}

func sameEntry(a, b Entry) bool {
	ra, rb := a.Request, b.Request
	return a.Spec == b.Spec && a.SkipIfBusy == b.SkipIfBusy &&
		ra.JobID == rb.JobID && ra.Type == rb.Type && ra.Handler == rb.Handler &&
		ra.HandlerVersion == rb.HandlerVersion && ra.Script == rb.Script &&
		string(ra.Payload) == string(rb.Payload) && ra.Timeout == rb.Timeout
}

// AddOnce fires req once at at. Re-adding name replaces the pending firing.
func (s *Service) AddOnce(name string, at time.Time, req trigger.Request) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidSchedule)
	}
	if at.IsZero() {
		return fmt.Errorf("%w: time required", ErrInvalidSchedule)
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ver uint64
	if o := s.once[name]; o != nil {
		ver = o.ver
	}
	s.removeLocked(name)
	o := &onceDef{req: req, at: at, ver: ver + 1}
	s.once[name] = o
	if s.c != nil {
		s.armLocked(name, o)
	}
	return nil
}

func (s *Service) armOnceLocked() {
	for name, o := range s.once {
		s.armLocked(name, o)
	}
}

func (s *Service) armLocked(name string, o *onceDef) {
	ver := o.ver
	o.timer = time.AfterFunc(max(time.Until(o.at), 0), func() {
		s.mu.Lock()
		cur := s.once[name]
		if cur == nil || cur.ver != ver {
			s.mu.Unlock()
			return
		}
		delete(s.once, name)
		s.mu.Unlock()
		s.fire(s.baseCtx(), name, cur.req, false, nil)
	})
}

// Remove unschedules name. It returns false when nothing was registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	if d := s.defs[name]; d != nil {
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		delete(s.defs, name)
		removed = true
	}
	if o := s.once[name]; o != nil {
		if o.timer != nil {
			o.timer.Stop()
		}
		delete(s.once, name)
		removed = true
	}
	return removed
}

func (s *Service) addCronLocked(d *def) error {
	name := d.entry.Name
	job := cron.FuncJob(func() {
		s.fire(s.baseCtx(), name, d.entry.Request, d.entry.SkipIfBusy, d)
	})

	if d.spec.Kind == SpecInterval {
		sched, offset := intervalSchedule(d.spec.Every, name)
		d.phase = offset
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	d.phase = 0
	id, err := s.c.AddJob(d.spec.Cron, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// fire enqueues one firing of a schedule. d is nil for one-time firings.
func (s *Service) fire(ctx context.Context, name string, tmpl trigger.Request, skipIfBusy bool, d *def) {
	if skipIfBusy && !s.d.IsIdle(tmpl.JobID) {
		if d != nil {
			d.skipped.Add(1)
		}
		s.log.Debug("schedule firing skipped; job busy", logx.String("schedule", name), logx.String("job", string(tmpl.JobID)))
		return
	}
	req := tmpl
	req.InvocationID = trigger.NewInvocationID()
	ack, err := s.d.Enqueue(ctx, req)
	if d != nil {
		d.fired.Add(1)
		d.last.Store(req.InvocationID)
	}
	if err != nil {
		if d != nil {
			d.failed.Add(1)
		}
		s.reportEnqueueError(name, err)
		return
	}
	s.log.Debug("schedule fired",
		logx.String("schedule", name),
		logx.String("job", string(req.JobID)),
		logx.String("invocation", string(req.InvocationID)),
		logx.String("worker", ack.WorkerID),
		logx.Int("position", ack.Position),
	)
}

func (s *Service) baseCtx() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.ctx
}

func (s *Service) namesLocked() []string {
	names := make([]string, 0, len(s.defs))
	for n := range s.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewLocked lists the next n run times of a cron schedule for debug logs.
func (s *Service) previewLocked(d *def, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || d.spec.Kind != SpecCron {
		return ""
	}
	sched, err := s.parser.Parse(d.spec.Cron)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
