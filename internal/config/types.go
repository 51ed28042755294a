package config

import "encoding/json"

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// StatusSink tunes asynchronous status delivery. Omitted = defaults.
	StatusSink *StatusSinkConfig `json:"status_sink,omitempty"`
	// Storage persists the invocation status log. Omitted = disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	Scripts   ScriptsConfig    `json:"scripts"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Debug     DebugConfig      `json:"debug,omitempty"`
	Systemd   SystemdConfig    `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls workers and dispatch.
//
// Defaults (when fields are omitted/zero):
//   - stop_timeout: "5s"
//   - idle_timeout: "0s" (workers never retire)
//   - default_timeout: "0s" (no execution timeout)
//   - sync_policy: "queue_jump"
//   - history_size: 50
//   - dispatch_retries: 3
type SchedulerConfig struct {
	StopTimeout     string `json:"stop_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	DefaultTimeout  string `json:"default_timeout,omitempty"`
	SyncPolicy      string `json:"sync_policy,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	DispatchRetries int    `json:"dispatch_retries,omitempty"`

	// Timezone of cron schedules (IANA name, empty = Local).
	Timezone string `json:"timezone,omitempty"`
}

type StatusSinkConfig struct {
	QueueSize      int    `json:"queue_size,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	AttemptTimeout string `json:"attempt_timeout,omitempty"`

	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	// CircuitTripFailures < 0 disables the breaker.
	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`

	// Log writes every report to the log at debug level.
	Log bool `json:"log,omitempty"`
}

// StorageConfig controls the invocation status log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./triggerd.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	RecentPerJob int    `json:"recent_per_job,omitempty"`
}

type ScriptsConfig struct {
	// Dir holds <name>.js handlers for scripted jobs.
	Dir   string `json:"dir,omitempty"`
	Watch bool   `json:"watch,omitempty"`
}

// ScheduleConfig declares a recurring trigger.
type ScheduleConfig struct {
	Name string `json:"name"`
	// Spec is a cron expression, "@every 5m", a duration ("55m") or "HH:MM".
	Spec           string          `json:"spec"`
	JobID          string          `json:"job_id"`
	Type           string          `json:"type"`
	Handler        string          `json:"handler,omitempty"`
	HandlerVersion string          `json:"handler_version,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timeout        string          `json:"timeout,omitempty"`
	SkipIfBusy     bool            `json:"skip_if_busy,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// DebugConfig controls the diagnostics HTTP server (pprof, worker snapshot).
//
// Security:
//   - Prefer binding to localhost (default "127.0.0.1:6060").
//   - A non-loopback address requires a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// SystemdConfig controls sd_notify integration. It is a no-op outside systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify,omitempty"`
	Watchdog bool `json:"watchdog,omitempty"`
}
