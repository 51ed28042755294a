package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"triggerd/internal/config"
	"triggerd/internal/observability/debug"
	"triggerd/internal/schedule"
	"triggerd/internal/statussink"
	"triggerd/internal/trigger"
	"triggerd/internal/worker"
	logx "triggerd/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapWorkerConfig(cfg *Config) (worker.Config, error) {
	sc := cfg.Scheduler
	stop, err := parseDurationOrDefault("scheduler.stop_timeout", sc.StopTimeout, 5*time.Second)
	if err != nil {
		return worker.Config{}, err
	}
	idle, err := parseDurationField("scheduler.idle_timeout", sc.IdleTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	def, err := parseDurationField("scheduler.default_timeout", sc.DefaultTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	policy, err := worker.ParseSyncPolicy(sc.SyncPolicy)
	if err != nil {
		return worker.Config{}, fmt.Errorf("scheduler.sync_policy: %w", err)
	}
	if sc.HistorySize < 0 {
		return worker.Config{}, errors.New("scheduler.history_size must be >= 0")
	}
	return worker.Config{
		StopTimeout:    stop,
		IdleTimeout:    idle,
		DefaultTimeout: def,
		SyncPolicy:     policy,
		HistorySize:    sc.HistorySize,
	}, nil
}

func mapAsyncSinkConfig(cfg *Config) (statussink.AsyncConfig, error) {
	if cfg.StatusSink == nil {
		return statussink.AsyncConfig{}, nil
	}
	ss := cfg.StatusSink
	out := statussink.AsyncConfig{
		QueueSize:           ss.QueueSize,
		Workers:             ss.Workers,
		RatePerSec:          ss.RatePerSec,
		RetryMax:            ss.RetryMax,
		RetryJitter:         ss.RetryJitter,
		CircuitTripFailures: ss.CircuitTripFailures,
	}
	var err error
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"status_sink.attempt_timeout", ss.AttemptTimeout, &out.AttemptTimeout},
		{"status_sink.retry_base", ss.RetryBase, &out.RetryBase},
		{"status_sink.retry_max_delay", ss.RetryMaxDelay, &out.RetryMaxDelay},
		{"status_sink.circuit_base_delay", ss.CircuitBaseDelay, &out.CircuitBaseDelay},
		{"status_sink.circuit_max_delay", ss.CircuitMaxDelay, &out.CircuitMaxDelay},
		{"status_sink.circuit_reset_after", ss.CircuitResetAfter, &out.CircuitResetAfter},
	}
	for _, d := range durs {
		if *d.dst, err = parseDurationField(d.path, d.raw); err != nil {
			return statussink.AsyncConfig{}, err
		}
	}
	return out, nil
}

func mapScheduleConfig(cfg *Config) (schedule.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return schedule.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return schedule.Config{Enabled: true, Timezone: tz}, nil
}

// mapScheduleEntries turns the enabled schedules into entries. Every bad
// schedule is reported, not just the first one.
func mapScheduleEntries(cfg *Config) ([]schedule.Entry, error) {
	var (
		out  []schedule.Entry
		errs []error
	)
	for i, sc := range cfg.Schedules {
		if !sc.IsEnabled() {
			continue
		}
		e, err := mapScheduleEntry(sc)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d] %q: %w", i, sc.Name, err))
			continue
		}
		out = append(out, e)
	}
	return out, errors.Join(errs...)
}

func mapScheduleEntry(sc config.ScheduleConfig) (schedule.Entry, error) {
	jt, err := trigger.ParseJobType(sc.Type)
	if err != nil {
		return schedule.Entry{}, err
	}
	if jt != trigger.JobTypeManaged && jt != trigger.JobTypeScripted {
		return schedule.Entry{}, fmt.Errorf("%w: %s needs an external runtime", trigger.ErrUnsupportedJobType, jt)
	}
	timeout, err := parseDurationField("timeout", sc.Timeout)
	if err != nil {
		return schedule.Entry{}, err
	}
	if err := schedule.ValidateSpec(sc.Spec); err != nil {
		return schedule.Entry{}, err
	}
	req := trigger.Request{
		JobID:          trigger.JobID(strings.TrimSpace(sc.JobID)),
		Type:           jt,
		Handler:        strings.TrimSpace(sc.Handler),
		HandlerVersion: strings.TrimSpace(sc.HandlerVersion),
		Payload:        sc.Payload,
		Timeout:        timeout,
	}
	if err := req.Validate(); err != nil {
		return schedule.Entry{}, err
	}
	return schedule.Entry{
		Name:       strings.TrimSpace(sc.Name),
		Spec:       strings.TrimSpace(sc.Spec),
		Request:    req,
		SkipIfBusy: sc.SkipIfBusy,
	}, nil
}

func mapDebugConfig(cfg *Config) (debug.Config, error) {
	dc := cfg.Debug
	out := debug.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Token:                dc.Token,
		AllowInsecure:        dc.AllowInsecure,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return debug.Config{}, err
	}
	if out.WriteTimeout, err = parseDurationOrDefault("debug.write_timeout", dc.WriteTimeout, 30*time.Second); err != nil {
		return debug.Config{}, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 60*time.Second); err != nil {
		return debug.Config{}, err
	}
	if err := out.Validate(); err != nil {
		return debug.Config{}, err
	}
	return out, nil
}

// validateConfig runs every mapping so a bad hot reload is rejected before it
// is committed.
func validateConfig(cfg *Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	var errs []error
	if _, err := mapWorkerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapAsyncSinkConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapScheduleConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapScheduleEntries(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
