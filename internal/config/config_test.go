package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDecodeYAMLAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autopost.yaml")
	doc := `
logging:
  level: debug
  console: true
jobs:
  daily_pipeline:
    enabled: true
    time: "09:30"
    max_retries: 2
    retry_delay: 10m
fallback:
  threshold: 3
  check_interval: 5m
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	j := cfg.Jobs[JobDailyPipeline]
	if j.Time != "09:30" || j.MaxRetriesValue() != 2 {
		t.Fatalf("daily_pipeline not decoded: %+v", j)
	}
	if d, _ := j.RetryDelayValue("jobs.daily_pipeline"); d != 10*time.Minute {
		t.Fatalf("retry delay = %v", d)
	}
	if _, ok := cfg.Jobs[JobWeeklyReport]; !ok {
		t.Fatalf("stock weekly_report job missing")
	}
	if cfg.Fallback.Threshold != 3 || cfg.Fallback.QuotaResetCheckHour != 24 {
		t.Fatalf("fallback defaults: %+v", cfg.Fallback)
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("x.json", []byte(`{"jobs":{},"bogus":1}`))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode("x.json", []byte(`{} {}`))
	if err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.Storage = &StorageConfig{Driver: "redis"}
	cfg.Fallback.CheckInterval = "soon"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestJobConfigValidate(t *testing.T) {
	neg := -1
	cases := []struct {
		name string
		job  JobConfig
		ok   bool
	}{
		{"ok", JobConfig{Time: "08:00"}, true},
		{"negative retries", JobConfig{MaxRetries: &neg}, false},
		{"bad delay", JobConfig{RetryDelay: "later"}, false},
		{"negative interval", JobConfig{IntervalHours: -2}, false},
	}
	for _, tc := range cases {
		err := tc.job.Validate("jobs.x")
		if (err == nil) != tc.ok {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}
}

func TestRetryIntervalMinutesAlias(t *testing.T) {
	j := JobConfig{RetryIntervalMinutes: 30}
	d, err := j.RetryDelayValue("jobs.x")
	if err != nil || d != 30*time.Minute {
		t.Fatalf("got %v, %v", d, err)
	}
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("t", "23:59")
	if err != nil || h != 23 || m != 59 {
		t.Fatalf("got %d:%d %v", h, m, err)
	}
	for _, bad := range []string{"24:00", "8", "08:5", "aa:bb", "08:60"} {
		if _, _, err := ParseClock("t", bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvTelegramToken, "tok")
	t.Setenv(EnvTelegramChatID, "-100")
	t.Setenv(EnvStorageDSN, "postgres://x")

	cfg := &Config{}
	applyEnv(cfg)
	if cfg.Notifier == nil || cfg.Notifier.Telegram == nil {
		t.Fatalf("telegram not configured")
	}
	if cfg.Notifier.Telegram.Token != "tok" || cfg.Notifier.Telegram.ChatID != -100 {
		t.Fatalf("telegram = %+v", cfg.Notifier.Telegram)
	}
	if cfg.Storage == nil || cfg.Storage.DSN != "postgres://x" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestSummarizeChangeNeverLeaksSecrets(t *testing.T) {
	a := Default()
	b := Default()
	b.Notifier.Telegram = &NotifierTelegram{Token: "secret"}
	a.Notifier.Telegram = &NotifierTelegram{Token: "other"}
	b.Engine.Workers = 9

	sections, _ := SummarizeChange(a, b)
	if len(sections) != 1 || sections[0] != "engine" {
		t.Fatalf("sections = %v", sections)
	}
}
