package config

import (
	"errors"
	"fmt"
	"strings"

	logx "triggerd/pkg/logx"
)

// Validate checks what can be checked without building components:
// durations, enums and required fields. Semantic checks (job types, schedule
// specs) happen where the values are consumed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	sc := cfg.Scheduler
	dur("scheduler.stop_timeout", sc.StopTimeout)
	dur("scheduler.idle_timeout", sc.IdleTimeout)
	dur("scheduler.default_timeout", sc.DefaultTimeout)
	if sc.HistorySize < 0 {
		errs = append(errs, errors.New("scheduler.history_size: must be >= 0"))
	}
	if sc.DispatchRetries < 0 {
		errs = append(errs, errors.New("scheduler.dispatch_retries: must be >= 0"))
	}

	if ss := cfg.StatusSink; ss != nil {
		dur("status_sink.attempt_timeout", ss.AttemptTimeout)
		dur("status_sink.retry_base", ss.RetryBase)
		dur("status_sink.retry_max_delay", ss.RetryMaxDelay)
		dur("status_sink.circuit_base_delay", ss.CircuitBaseDelay)
		dur("status_sink.circuit_max_delay", ss.CircuitMaxDelay)
		dur("status_sink.circuit_reset_after", ss.CircuitResetAfter)
		if ss.QueueSize < 0 || ss.Workers < 0 || ss.RatePerSec < 0 || ss.RetryMax < 0 {
			errs = append(errs, errors.New("status_sink: queue_size, workers, rate_per_sec and retry_max must be >= 0"))
		}
		if ss.RetryJitter < 0 || ss.RetryJitter > 1 {
			errs = append(errs, errors.New("status_sink.retry_jitter: must be within [0,1]"))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path: required"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if cfg.Scripts.Watch && strings.TrimSpace(cfg.Scripts.Dir) == "" {
		errs = append(errs, errors.New("scripts.watch: requires scripts.dir"))
	}

	seen := map[string]bool{}
	for i, s := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = true
		if strings.TrimSpace(s.Spec) == "" {
			errs = append(errs, fmt.Errorf("%s.spec: required", path))
		}
		if strings.TrimSpace(s.JobID) == "" {
			errs = append(errs, fmt.Errorf("%s.job_id: required", path))
		}
		dur(path+".timeout", s.Timeout)
	}

	d := cfg.Debug
	dur("debug.read_timeout", d.ReadTimeout)
	dur("debug.write_timeout", d.WriteTimeout)
	dur("debug.idle_timeout", d.IdleTimeout)

	return errors.Join(errs...)
}
