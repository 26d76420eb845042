package config

// Config is the whole process configuration document.
//
// Changes take effect on restart; the manager only reports that a restart is
// required when the file changes underneath a running process.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`

	// Jobs maps a job name to its trigger and retry policy.
	Jobs map[string]JobConfig `json:"jobs"`

	Fallback FallbackConfig  `json:"fallback"`
	Monitor  MonitorConfig   `json:"monitor"`
	Report   ReportConfig    `json:"report"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	HTTP     HTTPConfig      `json:"http"`
	Pipeline PipelineConfig  `json:"pipeline"`
	Cleanup  CleanupConfig   `json:"cleanup"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "pretty" | "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger loop.
type SchedulerConfig struct {
	// Timezone for time-of-day and weekly triggers. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig controls job execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	// StopTimeout bounds how long stop waits for in-flight attempts.
	StopTimeout string `json:"stop_timeout,omitempty"`
}

// JobConfig describes one scheduled job. Exactly one trigger kind must be set:
// time (daily), interval_hours/interval, or day_of_week+time (weekly).
type JobConfig struct {
	Enabled bool `json:"enabled"`

	Time          string  `json:"time,omitempty"`           // "HH:MM"
	IntervalHours float64 `json:"interval_hours,omitempty"` // fractional hours allowed
	Interval      string  `json:"interval,omitempty"`       // Go duration, alternative to interval_hours
	DayOfWeek     string  `json:"day_of_week,omitempty"`    // "sun".."sat" or 0..6

	MaxRetries *int   `json:"max_retries,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"`
	// RetryIntervalMinutes is accepted as an alias of retry_delay.
	RetryIntervalMinutes int    `json:"retry_interval_minutes,omitempty"`
	Timeout              string `json:"timeout,omitempty"`
}

// FallbackConfig controls the quota fallback controller.
type FallbackConfig struct {
	Enabled             *bool  `json:"auto_fallback_enabled,omitempty"`
	Threshold           int    `json:"threshold,omitempty"`
	AttentionWindow     string `json:"attention_window,omitempty"`
	CheckInterval       string `json:"check_interval,omitempty"`
	QuotaResetCheckHour int    `json:"quota_reset_check_hours,omitempty"`
	ProbeTimeout        string `json:"probe_timeout,omitempty"`
	Notifications       *bool  `json:"enable_notifications,omitempty"`
}

// MonitorConfig controls the performance poller.
type MonitorConfig struct {
	LookbackDays int    `json:"lookback_days,omitempty"`
	MinSpacing   string `json:"min_spacing,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`

	// Source is a path to a JSON metrics feed; empty means monitoring unavailable.
	Source  string        `json:"source,omitempty"`
	Weights *ScoreWeights `json:"weights,omitempty"`
}

// ScoreWeights are the viral score coefficients.
type ScoreWeights struct {
	Views      float64 `json:"views"`
	Engagement float64 `json:"engagement"`
	Recency    float64 `json:"recency"`
	ViewsScale float64 `json:"views_scale,omitempty"`
	HalfLife   string  `json:"recency_half_life,omitempty"`
}

// ReportConfig controls the weekly reporter.
type ReportConfig struct {
	OutputDir string `json:"output_dir,omitempty"`
	TopN      int    `json:"top_n,omitempty"`
	HTML      *bool  `json:"html,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled with the
// log channel only.
type NotifierConfig struct {
	Enabled      bool   `json:"enabled"`
	QueueSize    int    `json:"queue_size,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	DedupWindow  string `json:"dedup_window,omitempty"`
	// PersistDedup keeps suppression windows in storage across restarts.
	PersistDedup bool   `json:"persist_dedup,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`

	File     *NotifierFile     `json:"file,omitempty"`
	Webhook  *NotifierWebhook  `json:"webhook,omitempty"`
	Telegram *NotifierTelegram `json:"telegram,omitempty"`
}

type NotifierFile struct {
	Dir string `json:"dir"`
}

type NotifierWebhook struct {
	URL string `json:"url"`
}

type NotifierTelegram struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	MinLevel string `json:"min_severity,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/autopost.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the status/control HTTP surface.
type HTTPConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty"`
	JWTSecret      string   `json:"jwt_secret,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// Pprof mounts /debug/pprof behind the same auth as the control routes.
	Pprof          bool     `json:"pprof,omitempty"`
}

// PipelineConfig describes the external publishing pipeline command.
//
// The command receives AUTOPOST_MODE=normal|fallback. Exit status
// quota_exit_code reports an exhausted text-generation quota; exit status 75
// (EX_TEMPFAIL) marks a transient failure.
type PipelineConfig struct {
	Command []string          `json:"command,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	// ProbeCommand checks whether the quota has reset; exit 0 means it has.
	ProbeCommand  []string `json:"probe_command,omitempty"`
	QuotaExitCode int      `json:"quota_exit_code,omitempty"`
}

// CleanupConfig controls the temp file cleanup job.
type CleanupConfig struct {
	Dirs         []string `json:"dirs,omitempty"`
	Patterns     []string `json:"patterns,omitempty"`
	FileAgeHours int      `json:"file_age_hours,omitempty"`
}
