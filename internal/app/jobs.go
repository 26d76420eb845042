package app

import (
	"context"
	"errors"
	"fmt"

	"autopost/internal/config"
	"autopost/internal/monitor"
	"autopost/internal/pipeline"
	"autopost/internal/task/engine"
	"autopost/internal/task/scheduler"
	logx "autopost/pkg/logx"
)

var errNoPipeline = errors.New("pipeline.command is not configured")

type job struct {
	task    engine.Task
	trigger scheduler.Trigger
	// cfgErr is set when the job could not be configured; it never runs.
	cfgErr error
}

func (j *job) schedulable() bool { return j.cfgErr == nil && j.task.Enabled }

// buildJobs maps every configured job and registers the enabled ones with the
// scheduler. A bad job is disabled with a logged reason; the others continue.
func (a *App) buildJobs(cfg *config.Config) {
	for _, name := range sortedKeys(cfg.Jobs) {
		jc := cfg.Jobs[name]
		def, trig, err := mapJob(name, jc)
		var work func(context.Context) error
		if err == nil {
			work, err = a.workFor(name)
		}

		j := &job{trigger: trig}
		if err != nil {
			def = engine.Definition{Name: name}
			j.cfgErr = &engine.ConfigurationError{Job: name, Err: err}
			if jc.Enabled {
				a.log.Error("job disabled", logx.String("job", name), logx.Err(j.cfgErr))
			} else {
				a.log.Debug("job not configured", logx.String("job", name), logx.Err(err))
			}
		}
		j.task = engine.Task{Definition: def, Run: work}
		a.jobs[name] = j
		a.order = append(a.order, name)

		if !j.schedulable() {
			continue
		}
		task := j.task
		if err := a.sched.Register(name, trig, func(context.Context) error {
			return a.engine.Enqueue(task)
		}); err != nil {
			j.cfgErr = &engine.ConfigurationError{Job: name, Err: err}
			a.log.Error("job not scheduled", logx.String("job", name), logx.Err(err))
			continue
		}
		a.log.Debug("job registered", logx.String("job", name), logx.String("trigger", trig.String()))
	}
}

func (a *App) workFor(name string) (func(context.Context) error, error) {
	switch name {
	case config.JobDailyPipeline:
		if a.publisher == nil {
			return nil, errNoPipeline
		}
		return a.runPipeline, nil
	case config.JobCleanupTemp:
		return a.runCleanup, nil
	case config.JobPerformance:
		return a.runPoll, nil
	case config.JobWeeklyReport:
		return a.runReport, nil
	default:
		return nil, fmt.Errorf("no work function for job %q", name)
	}
}

// runPipeline consults the fallback controller before the pipeline touches
// the text-generation upstream. A quota error in NORMAL mode is recorded and
// the same run continues in fallback mode.
func (a *App) runPipeline(ctx context.Context) error {
	return a.fallback.Guard(ctx,
		func(c context.Context) error { return a.publisher.Run(c, pipeline.ModeNormal) },
		func(c context.Context) error { return a.publisher.Run(c, pipeline.ModeFallback) },
	)
}

func (a *App) runCleanup(ctx context.Context) error {
	_, err := a.cleaner.Sweep(ctx)
	return err
}

func (a *App) runPoll(ctx context.Context) error {
	_, err := a.poller.Poll(ctx)
	if errors.Is(err, monitor.ErrPassInFlight) {
		return engine.NoRetry(err)
	}
	return err
}

func (a *App) runReport(ctx context.Context) error {
	_, _, err := a.reporter.Run(ctx, a.now())
	return err
}
