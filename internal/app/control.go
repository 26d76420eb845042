package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"autopost/internal/fallback"
	"autopost/internal/monitor"
	"autopost/internal/notifier"
	"autopost/internal/storage"
	"autopost/internal/task/engine"
	"autopost/internal/task/scheduler"
	logx "autopost/pkg/logx"
)

var (
	ErrUnknownJob  = scheduler.ErrUnknownJob
	ErrInvalidItem = errors.New("item id is required")
)

type JobStatus struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Trigger string `json:"trigger,omitempty"`
	// DisabledReason is the configuration error that keeps the job off.
	DisabledReason string     `json:"disabled_reason,omitempty"`
	NextFireTime   *time.Time `json:"next_fire_time,omitempty"`
	LastFireTime   *time.Time `json:"last_fire_time,omitempty"`
	LastOutcome    string     `json:"last_outcome,omitempty"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Running        bool       `json:"running"`
}

type FallbackStatus struct {
	Mode                fallback.Mode `json:"mode"`
	ConsecutiveErrors   int           `json:"consecutive_errors"`
	EnteredFallbackAt   *time.Time    `json:"entered_fallback_at,omitempty"`
	LastErrorAt         *time.Time    `json:"last_error_at,omitempty"`
	LastRecoveryCheckAt *time.Time    `json:"last_recovery_check_at,omitempty"`
	AutoEnabled         bool          `json:"auto_fallback_enabled"`
}

type ExecutionStats struct {
	Total         uint64 `json:"total"`
	Failed        uint64 `json:"failed"`
	TotalAttempts uint64 `json:"total_attempts"`
	Dropped       uint64 `json:"dropped"`
	QueueLen      int    `json:"queue_len"`
	InFlight      int    `json:"in_flight"`
}

type MonitorStatus struct {
	Available bool                `json:"available"`
	LastPass  *monitor.PassResult `json:"last_pass,omitempty"`
}

// Status is the operator view of the process. It carries no wall-clock
// fields of its own, so two calls without intervening events are equal.
type Status struct {
	Running    bool           `json:"running"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	Timezone   string         `json:"timezone"`
	Storage    string         `json:"storage"`
	Jobs       []JobStatus    `json:"jobs"`
	Fallback   FallbackStatus `json:"fallback"`
	Executions ExecutionStats `json:"executions"`
	Monitor    MonitorStatus  `json:"monitor"`
	Channels   []string       `json:"notification_channels"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Status collects per-job, fallback and execution state.
func (a *App) Status(ctx context.Context) Status {
	a.mu.Lock()
	running := a.sup != nil
	started := a.startedAt
	a.mu.Unlock()

	st := Status{
		Running:  running,
		Timezone: a.sched.Location().String(),
		Storage:  a.storeDriver,
		Channels: a.notif.Channels(),
	}
	if running {
		st.StartedAt = timePtr(started)
	}

	for _, name := range a.order {
		st.Jobs = append(st.Jobs, a.jobStatus(ctx, name))
	}

	fs := a.fallback.State()
	st.Fallback = FallbackStatus{
		Mode:                fs.Mode,
		ConsecutiveErrors:   fs.ConsecutiveQuotaErrors,
		EnteredFallbackAt:   fs.EnteredFallbackAt,
		LastErrorAt:         fs.LastErrorAt,
		LastRecoveryCheckAt: fs.LastRecoveryCheckAt,
		AutoEnabled:         a.fallback.Config().Enabled,
	}

	snap := a.engine.Snapshot()
	st.Executions = ExecutionStats{
		Total:         snap.TotalRuns,
		Failed:        snap.FailedRuns,
		TotalAttempts: snap.TotalAttempts,
		Dropped:       snap.Dropped,
		QueueLen:      snap.QueueLen,
		InFlight:      snap.InFlight,
	}

	st.Monitor.Available = a.poller.Available()
	if last, ok := a.poller.Last(); ok {
		st.Monitor.LastPass = &last
	}
	return st
}

func (a *App) jobStatus(ctx context.Context, name string) JobStatus {
	j := a.jobs[name]
	js := JobStatus{
		Name:    name,
		Enabled: j.schedulable(),
		Running: a.engine.Running(name),
	}
	if j.trigger.Valid() {
		js.Trigger = j.trigger.String()
	}
	if j.cfgErr != nil {
		js.DisabledReason = j.cfgErr.Error()
	}
	if js.Enabled {
		if next, err := a.sched.Next(name); err == nil {
			js.NextFireTime = timePtr(next)
		}
		if prev, err := a.sched.Prev(name); err == nil {
			js.LastFireTime = timePtr(prev)
		}
	}

	if r, ok := a.engine.LastResult(name); ok {
		js.LastOutcome = string(r.Outcome)
		js.LastFinishedAt = timePtr(r.FinishedAt)
		js.LastError = r.Error
		return js
	}
	// Nothing ran in this process yet; fall back to the persisted history.
	recs, err := a.store.RecentExecutions(ctx, name, 1)
	if err != nil {
		a.log.Debug("execution history unavailable", logx.String("job", name), logx.Err(err))
		return js
	}
	if len(recs) > 0 {
		js.LastOutcome = recs[0].Outcome
		js.LastFinishedAt = timePtr(recs[0].FinishedAt)
		js.LastError = recs[0].Error
	}
	return js
}

// manualTask returns the task for a manual run. Jobs switched off in the
// config can still be run by hand; misconfigured jobs cannot.
func (a *App) manualTask(name string) (engine.Task, error) {
	j, ok := a.jobs[strings.TrimSpace(name)]
	if !ok {
		return engine.Task{}, ErrUnknownJob
	}
	if j.cfgErr != nil {
		return engine.Task{}, j.cfgErr
	}
	t := j.task
	t.Enabled = true
	return t, nil
}

// ForceRun queues a run of name now, outside its schedule. A run already in
// flight yields engine.ErrOverlapSkip.
func (a *App) ForceRun(name string) error {
	t, err := a.manualTask(name)
	if err != nil {
		return err
	}
	if err := a.engine.Enqueue(t); err != nil {
		return err
	}
	a.log.Info("manual run queued", logx.String("job", t.Name))
	return nil
}

// RunJob runs name synchronously and returns its result.
func (a *App) RunJob(ctx context.Context, name string) (engine.Result, error) {
	t, err := a.manualTask(name)
	if err != nil {
		return engine.Result{Name: name}, err
	}
	a.log.Info("manual run", logx.String("job", t.Name))
	res := a.engine.Run(ctx, t)
	if res.Outcome == engine.OutcomeSkipped {
		return res, res.Err
	}
	return res, nil
}

// RunOnce runs name synchronously without starting the scheduler. The
// notifier runs for the duration of the call, so an exhausted run still
// reaches the configured channels. Queued notifications drain before it
// returns.
func (a *App) RunOnce(ctx context.Context, name string) (engine.Result, error) {
	a.mu.Lock()
	started := a.sup != nil
	a.mu.Unlock()
	if !started {
		a.notif.Start(ctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			defer cancel()
			a.notif.Stop(stopCtx)
		}()
	}
	return a.RunJob(ctx, name)
}

// Schedule returns the trigger view of the scheduled jobs.
func (a *App) Schedule() []scheduler.ScheduleInfo { return a.sched.Snapshot() }

func (a *App) FallbackState() fallback.State { return a.fallback.State() }

// ProbeFallback forces a quota check and reports whether the upstream
// accepted it.
func (a *App) ProbeFallback(ctx context.Context) (bool, error) {
	return a.fallback.ProbeNow(ctx)
}

func (a *App) ActivateFallback(reason string) bool {
	if strings.TrimSpace(reason) == "" {
		reason = "manual activation"
	}
	return a.fallback.Activate(reason)
}

func (a *App) DeactivateFallback(reason string) bool {
	if strings.TrimSpace(reason) == "" {
		reason = "manual deactivation"
	}
	return a.fallback.Deactivate(reason)
}

// Notifications returns recent notifications, oldest first.
func (a *App) Notifications() []notifier.HistoryItem { return a.notif.History() }

// Executions returns up to limit persisted attempt records, newest first.
func (a *App) Executions(ctx context.Context, job string, limit int) ([]storage.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return a.store.RecentExecutions(ctx, strings.TrimSpace(job), limit)
}

// TrackItem registers a published item for performance polling.
func (a *App) TrackItem(ctx context.Context, it storage.Item) error {
	it.ID = strings.TrimSpace(it.ID)
	if it.ID == "" {
		return ErrInvalidItem
	}
	if it.PublishedAt.IsZero() {
		it.PublishedAt = a.now()
	}
	it.PublishedAt = it.PublishedAt.UTC()
	if err := a.store.UpsertItem(ctx, it); err != nil {
		return &engine.PersistenceError{Op: "upsert item", Err: err}
	}
	a.log.Debug("item tracked", logx.String("item", it.ID), logx.Time("published_at", it.PublishedAt))
	return nil
}
