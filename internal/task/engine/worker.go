package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"autopost/internal/eventbus"
	"autopost/internal/notifier"
	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) error {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case qt := <-queue:
			s.log.Debug("job dequeued", logx.String("job", qt.task.Name), logx.Duration("queue_delay", time.Since(qt.enqueuedAt)))
			s.execute(ctx, stopCh, qt.task)
			qt.state.release()
		}
	}
}

// execute runs up to MaxRetries+1 attempts of t. Attempts run on a context
// detached from ctx so Stop lets the current attempt finish; ctx and stopCh
// only abort the wait between attempts.
func (s *Service) execute(ctx context.Context, stopCh <-chan struct{}, t Task) Result {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	res := Result{RunID: newRunID(), Name: t.Name, StartedAt: time.Now()}
	log := s.log.With(logx.String("job", t.Name), logx.String("run_id", res.RunID))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobFired, Data: t.Name})

	retries := max(t.MaxRetries, 0)
	maxAttempts := 1 + retries

	var err error
attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		started := time.Now()
		err = s.attempt(ctx, t)
		rec := storage.ExecutionRecord{
			RunID:      res.RunID,
			JobName:    t.Name,
			Attempt:    attempt,
			StartedAt:  started,
			FinishedAt: time.Now(),
		}

		final := err == nil || IsNoRetry(err) || attempt == maxAttempts
		switch {
		case err == nil:
			rec.Outcome = string(OutcomeSuccess)
		case final:
			rec.Outcome = string(OutcomeExhausted)
		default:
			rec.Outcome = string(OutcomeFailure)
		}
		if err != nil {
			rec.Error = err.Error()
		}
		res.Records = append(res.Records, rec)
		s.record(ctx, log, rec)

		if final {
			break
		}

		delay := t.RetryDelay
		var ra RetryAfterError
		if errors.As(err, &ra) && ra.RetryAfter() > delay {
			delay = ra.RetryAfter()
		}
		log.Warn("job attempt failed; retrying", logx.Int("attempt", attempt), logx.Int("max_attempts", maxAttempts), logx.Duration("delay", delay), logx.Err(err))
		if delay <= 0 {
			continue
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			break attempts
		case <-stopCh:
			tmr.Stop()
			break attempts
		case <-tmr.C:
		}
	}

	res.FinishedAt = time.Now()
	res.Err = err
	if err != nil {
		res.Error = err.Error()
	}
	switch last := res.Records[len(res.Records)-1].Outcome; {
	case last == string(OutcomeSuccess):
		res.Outcome = OutcomeSuccess
		log.Info("job succeeded", logx.Int("attempts", res.Attempts), logx.Duration("dur", res.FinishedAt.Sub(res.StartedAt)))
	case last == string(OutcomeExhausted):
		res.Outcome = OutcomeExhausted
		log.Error("job exhausted", logx.Int("attempts", res.Attempts), logx.Err(err))
		s.notifyExhausted(ctx, res)
	default:
		// Retry wait aborted by stop or cancellation.
		res.Outcome = OutcomeFailure
		log.Warn("job abandoned before retry", logx.Int("attempts", res.Attempts), logx.Err(err))
	}
	s.finish(res)
	return res
}

// attempt runs the work function once, converting a panic into an error.
func (s *Service) attempt(ctx context.Context, t Task) (err error) {
	s.totalAttempts.Add(1)

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx := context.WithoutCancel(ctx)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("job", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(runCtx)
}

func (s *Service) record(ctx context.Context, log logx.Logger, rec storage.ExecutionRecord) {
	s.bus.Publish(eventbus.Event{Type: eventbus.JobAttempt, Data: AttemptEvent{
		RunID:   rec.RunID,
		Name:    rec.JobName,
		Attempt: rec.Attempt,
		Outcome: Outcome(rec.Outcome),
		Error:   rec.Error,
	}})
	log.Debug("job attempt recorded", logx.Int("attempt", rec.Attempt), logx.String("outcome", rec.Outcome))

	if s.records == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.records.AppendExecution(cctx, rec); err != nil {
		log.Warn("execution record not persisted", logx.Err(&PersistenceError{Op: "append execution", Err: err}))
	}
}

func (s *Service) notifyExhausted(ctx context.Context, r Result) {
	n := notifier.Notification{
		Severity: notifier.SeverityError,
		Title:    fmt.Sprintf("Job %s failed", r.Name),
		Message:  fmt.Sprintf("%s exhausted %d attempt(s): %s", r.Name, r.Attempts, r.Error),
		Kind:     "job_exhausted",
	}
	if err := s.sink.Notify(context.WithoutCancel(ctx), n); err != nil {
		s.log.Warn("exhaustion notification failed", logx.String("job", r.Name), logx.Err(err))
	}
}
