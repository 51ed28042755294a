package schedule

import (
	"sort"
	"time"

	"triggerd/internal/trigger"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	tz := s.cfg.Timezone
	if tz == "" {
		tz = loc.String()
	}
	out := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: tz}
	for _, name := range s.namesLocked() {
		d := s.defs[name]
		it := Info{
			Name:    name,
			Spec:    d.spec.CronSpec(),
			JobID:   d.entry.Request.JobID,
			Type:    d.entry.Request.Type,
			Phase:   d.phase,
			Fired:   d.fired.Load(),
			Skipped: d.skipped.Load(),
			Failed:  d.failed.Load(),
		}
		if inv, ok := d.last.Load().(trigger.InvocationID); ok {
			it.LastInvocation = inv
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	for name, o := range s.once {
		out.Schedules = append(out.Schedules, Info{
			Name:  name,
			Spec:  "@at " + o.at.In(loc).Format(time.RFC3339),
			JobID: o.req.JobID,
			Type:  o.req.Type,
			Once:  true,
			Next:  o.at,
		})
	}
	sort.SliceStable(out.Schedules, func(i, j int) bool { return out.Schedules[i].Name < out.Schedules[j].Name })
	return out
}
