package cli

import (
	"bytes"
	"testing"
	"time"

	"autopost/internal/app"
	"autopost/internal/fallback"
	"autopost/internal/monitor"
)

func TestRenderStatus(t *testing.T) {
	next := time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)
	entered := time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)
	st := app.Status{
		Running:  true,
		Timezone: "UTC",
		Storage:  "sqlite",
		Channels: []string{"log", "telegram"},
		Jobs: []app.JobStatus{
			{Name: "daily_pipeline", Enabled: true, Trigger: "daily 08:00", NextFireTime: &next, LastOutcome: "exhausted", LastError: "exit status 1"},
			{Name: "cleanup_temp", DisabledReason: `job "cleanup_temp" misconfigured: bad time`},
		},
		Fallback: app.FallbackStatus{Mode: fallback.Fallback, ConsecutiveErrors: 3, EnteredFallbackAt: &entered, AutoEnabled: true},
		Monitor:  app.MonitorStatus{Available: true, LastPass: &monitor.PassResult{Total: 4, Updated: 3, Failed: 1}},
	}

	var buf bytes.Buffer
	if err := RenderStatus(&buf, st); err != nil {
		t.Fatalf("RenderStatus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"running",
		"daily_pipeline",
		"2024-03-11 08:00 UTC",
		"exhausted",
		"exit status 1",
		"misconfigured: bad time",
		"FALLBACK",
		"2024-03-10 09:30 UTC",
		"3/4 updated",
		"storage sqlite",
		"log,telegram",
	} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderStoppedWithBadTimezone(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderStatus(&buf, app.Status{Timezone: "Nowhere/Land", Fallback: app.FallbackStatus{Mode: fallback.Normal}}); err != nil {
		t.Fatalf("RenderStatus: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("stopped")) || !bytes.Contains(buf.Bytes(), []byte("manual only")) {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}
