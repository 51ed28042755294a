package config

import (
	"reflect"
	"sort"
	"strings"

	logx "triggerd/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging (secrets like the debug token are never included).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.stop_timeout", s.StopTimeout),
			logx.String("scheduler.idle_timeout", s.IdleTimeout),
			logx.String("scheduler.default_timeout", s.DefaultTimeout),
			logx.String("scheduler.sync_policy", s.SyncPolicy),
			logx.String("scheduler.timezone", s.Timezone),
		)
	}

	if !reflect.DeepEqual(derefSink(oldCfg.StatusSink), derefSink(newCfg.StatusSink)) {
		s := derefSink(newCfg.StatusSink)
		changed = append(changed, "status_sink")
		attrs = append(attrs,
			logx.Int("status_sink.queue_size", s.QueueSize),
			logx.Int("status_sink.workers", s.Workers),
			logx.Int("status_sink.rate_per_sec", s.RatePerSec),
			logx.Int("status_sink.retry_max", s.RetryMax),
		)
	}

	var oDriver, nDriver string
	var oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver, oPath = strings.TrimSpace(oldCfg.Storage.Driver), strings.TrimSpace(oldCfg.Storage.Path)
	}
	if newCfg.Storage != nil {
		nDriver, nPath = strings.TrimSpace(newCfg.Storage.Driver), strings.TrimSpace(newCfg.Storage.Path)
	}
	if oDriver != nDriver || oPath != nPath || !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nDriver), logx.Bool("storage.path_set", nPath != ""))
	}

	if oldCfg.Scripts != newCfg.Scripts {
		changed = append(changed, "scripts")
		attrs = append(attrs, logx.String("scripts.dir", newCfg.Scripts.Dir), logx.Bool("scripts.watch", newCfg.Scripts.Watch))
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	if nd := newCfg.Debug; oldCfg.Debug != nd {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(nd.Token) != ""),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefSink(s *StatusSinkConfig) StatusSinkConfig {
	if s == nil {
		return StatusSinkConfig{}
	}
	return *s
}
