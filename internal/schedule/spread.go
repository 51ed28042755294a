package schedule

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

// phaseSchedule fires every `every` at a fixed offset from the Unix epoch.
// The offset comes from the schedule name, so a schedule keeps its phase
// across restarts and reloads, and schedules sharing an interval are spread
// over it instead of firing together.
type phaseSchedule struct {
	every  time.Duration
	offset time.Duration
}

func (s phaseSchedule) Next(t time.Time) time.Time {
	since := time.Duration(t.UnixNano()) - s.offset
	n := since/s.every + 1
	return time.Unix(0, int64(n*s.every+s.offset)).In(t.Location())
}

// intervalSchedule returns the schedule for an interval spec and its phase
// offset. Intervals are truncated to whole seconds, minimum one, like
// cron.Every.
func intervalSchedule(every time.Duration, name string) (cron.Schedule, time.Duration) {
	every = max(every.Truncate(time.Second), time.Second)
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	offset := (time.Duration(h.Sum64()%uint64(every)) / time.Second) * time.Second
	return phaseSchedule{every: every, offset: offset}, offset
}
