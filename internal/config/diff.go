package config

import (
	"reflect"
	"sort"
	"strings"

	logx "autopost/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe structured
// attrs for logging. Secrets (tokens, DSNs, JWT secrets) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
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
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
		)
	}
	if jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs); len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.String("jobs.changed", strings.Join(jobs, ",")))
	}
	if !reflect.DeepEqual(oldCfg.Fallback, newCfg.Fallback) {
		changed = append(changed, "fallback")
		attrs = append(attrs,
			logx.Int("fallback.threshold", newCfg.Fallback.Threshold),
			logx.String("fallback.check_interval", newCfg.Fallback.CheckInterval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
	}
	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
	}
	if !reflect.DeepEqual(redactNotifier(oldCfg.Notifier), redactNotifier(newCfg.Notifier)) {
		changed = append(changed, "notifier")
	}
	if storageShape(oldCfg.Storage) != storageShape(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", storageShape(newCfg.Storage)))
	}
	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled || oldCfg.HTTP.Addr != newCfg.HTTP.Addr ||
		!reflect.DeepEqual(oldCfg.HTTP.AllowedOrigins, newCfg.HTTP.AllowedOrigins) ||
		(oldCfg.HTTP.JWTSecret != "") != (newCfg.HTTP.JWTSecret != "") {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
		)
	}
	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
	}
	if !reflect.DeepEqual(oldCfg.Cleanup, newCfg.Cleanup) {
		changed = append(changed, "cleanup")
	}

	sort.Strings(changed)
	return changed, attrs
}

func diffJobs(oldM, newM map[string]JobConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, okO := oldM[name]
		n, okN := newM[name]
		if okO != okN || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func redactNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	cp := *n
	if cp.Telegram != nil {
		t := *cp.Telegram
		t.Token = ""
		cp.Telegram = &t
	}
	return cp
}

func storageShape(s *StorageConfig) string {
	if s == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s.Driver)) + ":" + strings.TrimSpace(s.Path)
}
