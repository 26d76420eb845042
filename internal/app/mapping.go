package app

import (
	"fmt"
	"strings"
	"time"

	"autopost/internal/cleanup"
	"autopost/internal/config"
	"autopost/internal/fallback"
	"autopost/internal/monitor"
	"autopost/internal/notifier"
	"autopost/internal/pipeline"
	"autopost/internal/report"
	"autopost/internal/storage"
	"autopost/internal/task/engine"
	"autopost/internal/task/scheduler"
	logx "autopost/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns enabled=false when no persistent driver is set;
// the caller then keeps state in memory.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "file":
		if path == "" {
			path = "./data"
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	case "mysql", "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, DSN: sc.DSN}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	defTimeout, err := config.ParseDurationField("engine.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	stopTimeout, err := config.ParseDurationOrDefault("engine.stop_timeout", ec.StopTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        max(ec.Workers, 1),
		QueueSize:      max(ec.QueueSize, 1),
		DefaultTimeout: defTimeout,
		HistorySize:    max(ec.HistorySize, 1),
		StopTimeout:    stopTimeout,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.DefaultNotifier()
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:      n.Enabled,
		QueueSize:    n.QueueSize,
		RatePerSec:   n.RatePerSec,
		DedupWindow:  dedup,
		PersistDedup: n.PersistDedup,
		HistorySize:  n.HistorySize,
		SendTimeout:  sendTimeout,
	}, nil
}

// buildChannels always includes the log channel. A telegram channel that
// cannot be built is reported and skipped.
func buildChannels(cfg *config.Config, log logx.Logger) []notifier.Channel {
	chs := []notifier.Channel{notifier.LogChannel{Log: log.With(logx.String("comp", "notify"))}}
	n := cfg.Notifier
	if n == nil {
		return chs
	}
	if n.File != nil && strings.TrimSpace(n.File.Dir) != "" {
		chs = append(chs, notifier.FileChannel{Dir: n.File.Dir})
	}
	if n.Webhook != nil && strings.TrimSpace(n.Webhook.URL) != "" {
		chs = append(chs, notifier.WebhookChannel{URL: n.Webhook.URL})
	}
	if t := n.Telegram; t != nil && strings.TrimSpace(t.Token) != "" && t.ChatID != 0 {
		ch, err := notifier.NewTelegramChannel(t.Token, t.ChatID, t.ThreadID, notifier.ParseSeverity(t.MinLevel))
		if err != nil {
			log.Warn("telegram notifications disabled", logx.Err(err))
		} else {
			chs = append(chs, ch)
		}
	}
	return chs
}

func mapFallbackConfig(cfg *config.Config) (fallback.Config, error) {
	fc := cfg.Fallback
	window, err := config.ParseDurationField("fallback.attention_window", fc.AttentionWindow)
	if err != nil {
		return fallback.Config{}, err
	}
	check, err := config.ParseDurationField("fallback.check_interval", fc.CheckInterval)
	if err != nil {
		return fallback.Config{}, err
	}
	probeTimeout, err := config.ParseDurationField("fallback.probe_timeout", fc.ProbeTimeout)
	if err != nil {
		return fallback.Config{}, err
	}
	return fallback.Config{
		Enabled:         fc.Enabled == nil || *fc.Enabled,
		Threshold:       fc.Threshold,
		AttentionWindow: window,
		CheckInterval:   check,
		Ceiling:         time.Duration(fc.QuotaResetCheckHour) * time.Hour,
		ProbeTimeout:    probeTimeout,
		Notify:          fc.Notifications == nil || *fc.Notifications,
	}, nil
}

func mapWeights(cfg *config.Config) (monitor.Weights, error) {
	w := cfg.Monitor.Weights
	if w == nil {
		return monitor.DefaultWeights(), nil
	}
	half, err := config.ParseDurationField("monitor.weights.recency_half_life", w.HalfLife)
	if err != nil {
		return monitor.Weights{}, err
	}
	return monitor.Weights{
		Views:      w.Views,
		Engagement: w.Engagement,
		Recency:    w.Recency,
		ViewsScale: w.ViewsScale,
		HalfLife:   half,
	}, nil
}

func mapMonitorConfig(cfg *config.Config, w monitor.Weights) (monitor.Config, error) {
	spacing, err := config.ParseDurationField("monitor.min_spacing", cfg.Monitor.MinSpacing)
	if err != nil {
		return monitor.Config{}, err
	}
	fetch, err := config.ParseDurationField("monitor.fetch_timeout", cfg.Monitor.FetchTimeout)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		LookbackDays: cfg.Monitor.LookbackDays,
		MinSpacing:   spacing,
		FetchTimeout: fetch,
		Weights:      w,
	}, nil
}

func mapReportConfig(cfg *config.Config, w monitor.Weights) report.Config {
	return report.Config{
		OutputDir: cfg.Report.OutputDir,
		TopN:      cfg.Report.TopN,
		HTML:      cfg.Report.HTML == nil || *cfg.Report.HTML,
		Weights:   w,
	}
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	pc := cfg.Pipeline
	timeout, err := config.ParseDurationField("pipeline.timeout", pc.Timeout)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Command:       pc.Command,
		Dir:           pc.Dir,
		Env:           pc.Env,
		Timeout:       timeout,
		ProbeCommand:  pc.ProbeCommand,
		QuotaExitCode: pc.QuotaExitCode,
	}, nil
}

func mapCleanupConfig(cfg *config.Config) cleanup.Config {
	return cleanup.Config{
		Dirs:     cfg.Cleanup.Dirs,
		Patterns: cfg.Cleanup.Patterns,
		MaxAge:   time.Duration(cfg.Cleanup.FileAgeHours) * time.Hour,
	}
}

// mapJob turns one jobs.<name> entry into an engine definition and a trigger.
// Any error is a configuration error for that job alone.
func mapJob(name string, jc config.JobConfig) (engine.Definition, scheduler.Trigger, error) {
	path := "jobs." + name
	if err := jc.Validate(path); err != nil {
		return engine.Definition{}, scheduler.Trigger{}, err
	}
	delay, _ := jc.RetryDelayValue(path)
	timeout, _ := config.ParseDurationField(path+".timeout", jc.Timeout)
	interval, _ := config.ParseDurationField(path+".interval", jc.Interval)

	trig, err := scheduler.ParseTrigger(scheduler.TriggerSpec{
		Time:          jc.Time,
		IntervalHours: jc.IntervalHours,
		Interval:      interval,
		DayOfWeek:     jc.DayOfWeek,
	})
	if err != nil {
		return engine.Definition{}, scheduler.Trigger{}, fmt.Errorf("%s: %w", path, err)
	}
	return engine.Definition{
		Name:       name,
		MaxRetries: jc.MaxRetriesValue(),
		RetryDelay: delay,
		Timeout:    timeout,
		Enabled:    jc.Enabled,
	}, trig, nil
}
