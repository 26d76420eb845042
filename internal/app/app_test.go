package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopost/internal/config"
	"autopost/internal/fallback"
	"autopost/internal/pipeline"
	"autopost/internal/storage"
	"autopost/internal/task/engine"
	logx "autopost/pkg/logx"
)

type fakePublisher struct {
	mu         sync.Mutex
	modes      []string
	quotaError bool
}

func (p *fakePublisher) Run(_ context.Context, mode string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modes = append(p.modes, mode)
	if mode == pipeline.ModeNormal && p.quotaError {
		return engine.QuotaExceeded(errors.New("429 insufficient_quota"))
	}
	return nil
}

func (p *fakePublisher) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.modes...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Report.OutputDir = filepath.Join(t.TempDir(), "reports")
	cfg.Cleanup.Dirs = []string{t.TempDir()}
	cfg.Engine.StopTimeout = "2s"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) (*App, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	base := []Option{WithLogger(logx.Nop()), WithStore(mem)}
	a, err := NewFromConfig(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopRequested) })
	return a, mem
}

func jobByName(t *testing.T, st Status, name string) JobStatus {
	t.Helper()
	for _, j := range st.Jobs {
		if j.Name == name {
			return j
		}
	}
	t.Fatalf("job %q not in status", name)
	return JobStatus{}
}

func TestStatusListsConfiguredJobs(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t), WithPublisher(&fakePublisher{}))

	st := a.Status(context.Background())
	require.Len(t, st.Jobs, 4)
	for _, j := range st.Jobs {
		assert.True(t, j.Enabled, j.Name)
		assert.NotNil(t, j.NextFireTime, j.Name)
		assert.Empty(t, j.DisabledReason, j.Name)
	}
	assert.Equal(t, "daily 08:00", jobByName(t, st, config.JobDailyPipeline).Trigger)
	assert.Equal(t, "weekly sun 23:59", jobByName(t, st, config.JobWeeklyReport).Trigger)
	assert.Equal(t, fallback.Normal, st.Fallback.Mode)
	assert.False(t, st.Running)
	assert.Equal(t, "custom", st.Storage)
}

func TestMisconfiguredJobIsDisabledAlone(t *testing.T) {
	cfg := testConfig(t)
	bad := cfg.Jobs[config.JobCleanupTemp]
	bad.IntervalHours = 0
	bad.Time = "25:00"
	cfg.Jobs[config.JobCleanupTemp] = bad
	cfg.Jobs["unknown_job"] = config.JobConfig{Enabled: true, IntervalHours: 1}

	a, _ := newTestApp(t, cfg, WithPublisher(&fakePublisher{}))
	st := a.Status(context.Background())

	cleanup := jobByName(t, st, config.JobCleanupTemp)
	assert.False(t, cleanup.Enabled)
	assert.Contains(t, cleanup.DisabledReason, "cleanup_temp")
	assert.Nil(t, cleanup.NextFireTime)

	unknown := jobByName(t, st, "unknown_job")
	assert.False(t, unknown.Enabled)
	assert.Contains(t, unknown.DisabledReason, "no work function")

	assert.True(t, jobByName(t, st, config.JobPerformance).Enabled)

	_, err := a.RunJob(context.Background(), config.JobCleanupTemp)
	var cerr *engine.ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestDailyPipelineNeedsCommand(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	j := jobByName(t, a.Status(context.Background()), config.JobDailyPipeline)
	assert.False(t, j.Enabled)
	assert.Contains(t, j.DisabledReason, "pipeline.command")
}

func TestPipelineFallsBackOnQuota(t *testing.T) {
	cfg := testConfig(t)
	cfg.Fallback.Threshold = 2
	pub := &fakePublisher{quotaError: true}
	a, mem := newTestApp(t, cfg, WithPublisher(pub))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := a.RunJob(ctx, config.JobDailyPipeline)
		require.NoError(t, err)
		assert.Equal(t, engine.OutcomeSuccess, res.Outcome)
	}

	assert.Equal(t, []string{
		pipeline.ModeNormal, pipeline.ModeFallback,
		pipeline.ModeNormal, pipeline.ModeFallback,
		pipeline.ModeFallback,
	}, pub.calls())

	st := a.Status(ctx)
	assert.Equal(t, fallback.Fallback, st.Fallback.Mode)
	assert.NotNil(t, st.Fallback.EnteredFallbackAt)

	saved, ok, err := mem.LoadFallbackState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.ModeFallback, saved.Mode)

	assert.True(t, a.DeactivateFallback(""))
	assert.Equal(t, fallback.Normal, a.FallbackState().Mode)
}

func TestRunJobUnknown(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	_, err := a.RunJob(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownJob)
	require.ErrorIs(t, a.ForceRun("nope"), ErrUnknownJob)
}

func TestForceRunAfterStart(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t), WithPublisher(&fakePublisher{}))
	ctx := context.Background()

	require.ErrorIs(t, a.ForceRun(config.JobPerformance), engine.ErrStopped)

	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.ForceRun(config.JobPerformance))

	require.Eventually(t, func() bool {
		return jobByName(t, a.Status(ctx), config.JobPerformance).LastOutcome == string(engine.OutcomeSuccess)
	}, 3*time.Second, 10*time.Millisecond)

	st := a.Status(ctx)
	assert.True(t, st.Running)
	assert.False(t, st.Monitor.Available)
	assert.EqualValues(t, 1, st.Executions.Total)
}

func TestStatusIsIdempotent(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t), WithPublisher(&fakePublisher{}))
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	first := a.Status(ctx)
	second := a.Status(ctx)
	assert.Equal(t, first, second)
}

func TestStatusIsIdempotentBeforeStart(t *testing.T) {
	mem := storage.NewMemory()
	last := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, mem.PutLastFire(context.Background(), config.JobCleanupTemp, last))

	a, err := NewFromConfig(testConfig(t), WithLogger(logx.Nop()), WithStore(mem), WithPublisher(&fakePublisher{}))
	require.NoError(t, err)
	defer a.Stop(context.Background(), StopRequested)
	ctx := context.Background()

	first := a.Status(ctx)
	time.Sleep(5 * time.Millisecond)
	second := a.Status(ctx)
	assert.Equal(t, first, second)

	cleanup := jobByName(t, first, config.JobCleanupTemp)
	require.NotNil(t, cleanup.NextFireTime)
	assert.True(t, cleanup.NextFireTime.Equal(last.Add(6*time.Hour)), "next = %v", cleanup.NextFireTime)
}

type brokenPublisher struct{}

func (brokenPublisher) Run(context.Context, string) error { return errors.New("upload rejected") }

func TestRunOnceDeliversExhaustionNotice(t *testing.T) {
	cfg := testConfig(t)
	j := cfg.Jobs[config.JobDailyPipeline]
	none := 0
	j.MaxRetries = &none
	cfg.Jobs[config.JobDailyPipeline] = j

	a, _ := newTestApp(t, cfg, WithPublisher(brokenPublisher{}))
	res, err := a.RunOnce(context.Background(), config.JobDailyPipeline)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeExhausted, res.Outcome)

	var kinds []string
	for _, h := range a.Notifications() {
		kinds = append(kinds, h.Kind)
	}
	assert.Contains(t, kinds, "job_exhausted")
}

func TestDisabledJobCanStillRunByHand(t *testing.T) {
	cfg := testConfig(t)
	j := cfg.Jobs[config.JobCleanupTemp]
	j.Enabled = false
	cfg.Jobs[config.JobCleanupTemp] = j

	a, _ := newTestApp(t, cfg)
	ctx := context.Background()
	assert.False(t, jobByName(t, a.Status(ctx), config.JobCleanupTemp).Enabled)

	res, err := a.RunJob(ctx, config.JobCleanupTemp)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeSuccess, res.Outcome)
}

func TestLastOutcomeFromPersistedHistory(t *testing.T) {
	mem := storage.NewMemory()
	now := time.Now().UTC()
	require.NoError(t, mem.AppendExecution(context.Background(), storage.ExecutionRecord{
		RunID: "r1", JobName: config.JobWeeklyReport, Attempt: 1,
		Outcome: storage.OutcomeExhausted, StartedAt: now, FinishedAt: now, Error: "disk full",
	}))

	a, err := NewFromConfig(testConfig(t), WithLogger(logx.Nop()), WithStore(mem))
	require.NoError(t, err)
	defer a.Stop(context.Background(), StopRequested)

	j := jobByName(t, a.Status(context.Background()), config.JobWeeklyReport)
	assert.Equal(t, storage.OutcomeExhausted, j.LastOutcome)
	assert.Equal(t, "disk full", j.LastError)
}

func TestWeeklyReportJobWritesArtifacts(t *testing.T) {
	cfg := testConfig(t)
	at := time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)
	a, mem := newTestApp(t, cfg, WithClock(func() time.Time { return at }))
	ctx := context.Background()

	require.NoError(t, a.TrackItem(ctx, storage.Item{ID: "v1", PublishedAt: at.Add(-72 * time.Hour)}))
	require.NoError(t, mem.AppendSample(ctx, storage.Sample{
		ItemID: "v1", CapturedAt: at.Add(-time.Hour), Views: 1200, Likes: 60, Comments: 12, CTR: 0.05,
	}))

	res, err := a.RunJob(ctx, config.JobWeeklyReport)
	require.NoError(t, err)
	require.Equal(t, engine.OutcomeSuccess, res.Outcome)

	entries, err := os.ReadDir(cfg.Report.OutputDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, strings.Join(names, ","), "weekly_report_2024-03-03.json")
	assert.Contains(t, strings.Join(names, ","), "weekly_report_2024-03-03.html")
}

func TestTrackItemValidates(t *testing.T) {
	a, mem := newTestApp(t, testConfig(t))
	ctx := context.Background()

	require.ErrorIs(t, a.TrackItem(ctx, storage.Item{ID: "  "}), ErrInvalidItem)
	require.NoError(t, a.TrackItem(ctx, storage.Item{ID: "abc", Title: "clip"}))

	items, err := mem.ListItems(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "abc", items[0].ID)
}

func TestMapJobRetryPolicy(t *testing.T) {
	retries := 3
	def, trig, err := mapJob("x", config.JobConfig{
		Enabled: true, Interval: "90m", MaxRetries: &retries, RetryIntervalMinutes: 5, Timeout: "2m",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, def.MaxRetries)
	assert.Equal(t, 5*time.Minute, def.RetryDelay)
	assert.Equal(t, 2*time.Minute, def.Timeout)
	assert.Equal(t, 90*time.Minute, trig.Every)

	_, _, err = mapJob("y", config.JobConfig{Enabled: true, Time: "08:00", IntervalHours: 2})
	require.Error(t, err)
}
