package schedule

import (
	"errors"
	"time"

	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	// Resolver rejections repeat on every firing until the config changes.
	if errors.Is(err, trigger.ErrUnsupportedJobType) || errors.Is(err, trigger.ErrHandlerNotFound) {
		s.log.Error("schedule trigger rejected", logx.String("schedule", name), logx.Err(err))
		return
	}
	s.log.Warn("schedule failed to enqueue trigger", logx.String("schedule", name), logx.Err(err))
}

// cronLogger adapts logx to cron.Logger. Cron's info chatter goes to trace.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
