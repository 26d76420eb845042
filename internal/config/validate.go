package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks process-wide sections. Per-job problems are not fatal and
// are reported by JobConfig.Validate so a bad job can be disabled alone.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	check("engine.default_timeout", cfg.Engine.DefaultTimeout)
	check("engine.stop_timeout", cfg.Engine.StopTimeout)
	check("fallback.attention_window", cfg.Fallback.AttentionWindow)
	check("fallback.check_interval", cfg.Fallback.CheckInterval)
	check("fallback.probe_timeout", cfg.Fallback.ProbeTimeout)
	check("pipeline.timeout", cfg.Pipeline.Timeout)
	check("monitor.min_spacing", cfg.Monitor.MinSpacing)
	check("monitor.fetch_timeout", cfg.Monitor.FetchTimeout)
	if w := cfg.Monitor.Weights; w != nil {
		check("monitor.weights.recency_half_life", w.HalfLife)
		if w.Views < 0 || w.Engagement < 0 || w.Recency < 0 {
			errs = append(errs, errors.New("monitor.weights: coefficients must be >= 0"))
		}
	}
	if n := cfg.Notifier; n != nil {
		check("notifier.dedup_window", n.DedupWindow)
		check("notifier.send_timeout", n.SendTimeout)
		if n.Webhook != nil && strings.TrimSpace(n.Webhook.URL) == "" {
			errs = append(errs, errors.New("notifier.webhook.url: required"))
		}
	}
	if s := cfg.Storage; s != nil {
		check("storage.busy_timeout", s.BusyTimeout)
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "file", "sqlite", "mysql", "postgres":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}
	if cfg.Fallback.Threshold < 0 {
		errs = append(errs, errors.New("fallback.threshold: must be >= 1"))
	}
	if len(cfg.Pipeline.Command) > 0 && strings.TrimSpace(cfg.Pipeline.Command[0]) == "" {
		errs = append(errs, errors.New("pipeline.command: empty executable"))
	}
	if len(cfg.Pipeline.ProbeCommand) > 0 && strings.TrimSpace(cfg.Pipeline.ProbeCommand[0]) == "" {
		errs = append(errs, errors.New("pipeline.probe_command: empty executable"))
	}
	if cfg.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// MaxRetriesValue returns the configured retry count, 0 when omitted.
func (j JobConfig) MaxRetriesValue() int {
	if j.MaxRetries == nil || *j.MaxRetries < 0 {
		return 0
	}
	return *j.MaxRetries
}

// RetryDelayValue resolves retry_delay, falling back to retry_interval_minutes.
func (j JobConfig) RetryDelayValue(path string) (time.Duration, error) {
	d, err := ParseDurationField(path+".retry_delay", j.RetryDelay)
	if err != nil {
		return 0, err
	}
	if d == 0 && j.RetryIntervalMinutes > 0 {
		d = time.Duration(j.RetryIntervalMinutes) * time.Minute
	}
	return d, nil
}

// Validate reports problems that make a single job unusable.
func (j JobConfig) Validate(path string) error {
	var errs []error
	if j.MaxRetries != nil && *j.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s.max_retries: must be >= 0", path))
	}
	if _, err := j.RetryDelayValue(path); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField(path+".interval", j.Interval); err != nil {
		errs = append(errs, err)
	}
	if j.IntervalHours < 0 {
		errs = append(errs, fmt.Errorf("%s.interval_hours: must be > 0", path))
	}
	return errors.Join(errs...)
}
