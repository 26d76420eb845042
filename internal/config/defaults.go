package config

// Well-known job names wired by the application.
const (
	JobDailyPipeline = "daily_pipeline"
	JobCleanupTemp   = "cleanup_temp"
	JobPerformance   = "performance_monitoring"
	JobWeeklyReport  = "weekly_report"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// DefaultJobs returns the stock schedule.
func DefaultJobs() map[string]JobConfig {
	return map[string]JobConfig{
		JobDailyPipeline: {Enabled: true, Time: "08:00", MaxRetries: intPtr(3), RetryDelay: "30m"},
		JobCleanupTemp:   {Enabled: true, IntervalHours: 6},
		JobPerformance:   {Enabled: true, IntervalHours: 6},
		JobWeeklyReport:  {Enabled: true, DayOfWeek: "sun", Time: "23:59"},
	}
}

func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:     true,
		QueueSize:   256,
		RatePerSec:  3,
		DedupWindow: "1m",
		HistorySize: 100,
		SendTimeout: "10s",
	}
}

// Default returns a complete config with every section at its default.
func Default() *Config {
	cfg := &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Jobs:    DefaultJobs(),
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills omitted sections. Jobs listed in the file replace the
// stock entry of the same name; stock jobs missing from the file are added.
func applyDefaults(cfg *Config) {
	if cfg.Jobs == nil {
		cfg.Jobs = map[string]JobConfig{}
	}
	for name, j := range DefaultJobs() {
		if _, ok := cfg.Jobs[name]; !ok {
			cfg.Jobs[name] = j
		}
	}

	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.QueueSize <= 0 {
		cfg.Engine.QueueSize = 64
	}
	if cfg.Engine.HistorySize <= 0 {
		cfg.Engine.HistorySize = 200
	}

	if cfg.Fallback.Enabled == nil {
		cfg.Fallback.Enabled = boolPtr(true)
	}
	if cfg.Fallback.Notifications == nil {
		cfg.Fallback.Notifications = boolPtr(true)
	}
	if cfg.Fallback.Threshold <= 0 {
		cfg.Fallback.Threshold = 2
	}
	if cfg.Fallback.QuotaResetCheckHour <= 0 {
		cfg.Fallback.QuotaResetCheckHour = 24
	}

	if cfg.Monitor.LookbackDays <= 0 {
		cfg.Monitor.LookbackDays = 7
	}

	if cfg.Report.TopN <= 0 {
		cfg.Report.TopN = 5
	}
	if cfg.Report.OutputDir == "" {
		cfg.Report.OutputDir = "./reports"
	}
	if cfg.Report.HTML == nil {
		cfg.Report.HTML = boolPtr(true)
	}

	if cfg.Notifier == nil {
		n := DefaultNotifier()
		cfg.Notifier = &n
	}

	if cfg.Pipeline.QuotaExitCode <= 0 {
		cfg.Pipeline.QuotaExitCode = 3
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:8087"
	}

	if len(cfg.Cleanup.Dirs) == 0 {
		cfg.Cleanup.Dirs = []string{"data/temp", "data/cache", "logs"}
	}
	if len(cfg.Cleanup.Patterns) == 0 {
		cfg.Cleanup.Patterns = []string{"*.tmp", "*.temp", "*temp*", "temp-audio.*", "temp-video.*", "*.log.1", "*.log.2"}
	}
	if cfg.Cleanup.FileAgeHours <= 0 {
		cfg.Cleanup.FileAgeHours = 24
	}
}
