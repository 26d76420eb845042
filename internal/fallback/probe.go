package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autopost/internal/eventbus"
	rtsup "autopost/internal/runtime/supervisor"
	"autopost/internal/task/engine"
	logx "autopost/pkg/logx"
)

var (
	ErrNoProber       = errors.New("fallback: no prober configured")
	ErrProbeInFlight  = errors.New("fallback: probe already running")
	ErrStillExhausted = errors.New("fallback: quota still exhausted")
)

// ProbeResult is published on the event bus after every probe.
type ProbeResult struct {
	At        time.Time `json:"at"`
	Recovered bool      `json:"recovered"`
	Forced    bool      `json:"forced"`
	Error     string    `json:"error,omitempty"`
}

// nextProbe returns when the next probe is due, or false outside FALLBACK.
func (c *Controller) nextProbe() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	if st.Mode != Fallback || st.EnteredFallbackAt == nil {
		return time.Time{}, false
	}
	base := *st.EnteredFallbackAt
	if st.LastRecoveryCheckAt != nil && st.LastRecoveryCheckAt.After(base) {
		base = *st.LastRecoveryCheckAt
	}
	due := base.Add(c.cfg.CheckInterval)
	if ceiling := st.EnteredFallbackAt.Add(c.cfg.Ceiling); ceiling.Before(due) && base.Before(ceiling) {
		due = ceiling
	}
	return due, true
}

// ProbeIfDue probes when the check interval or the ceiling has elapsed. It
// reports whether a probe ran.
func (c *Controller) ProbeIfDue(ctx context.Context) bool {
	due, ok := c.nextProbe()
	if !ok || c.now().Before(due) {
		return false
	}
	_, err := c.probe(ctx, false)
	return !errors.Is(err, ErrProbeInFlight) && !errors.Is(err, ErrNoProber)
}

// ProbeNow runs a quota check immediately regardless of the timer. In NORMAL
// it only reports upstream health.
func (c *Controller) ProbeNow(ctx context.Context) (bool, error) {
	return c.probe(ctx, true)
}

func (c *Controller) probe(ctx context.Context, forced bool) (bool, error) {
	if c.prober == nil {
		return false, ErrNoProber
	}
	if !c.probeMu.TryLock() {
		return false, ErrProbeInFlight
	}
	defer c.probeMu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	err := c.callProber(pctx)
	cancel()
	now := c.now()

	res := ProbeResult{At: now, Recovered: err == nil, Forced: forced}
	if err != nil {
		res.Error = err.Error()
	}

	c.mu.Lock()
	inFallback := c.state.Mode == Fallback
	if inFallback {
		c.state.LastRecoveryCheckAt = &now
		if err == nil {
			c.exitLocked()
		}
	}
	c.mu.Unlock()

	c.bus.Publish(eventbus.Event{Type: eventbus.FallbackProbe, Data: res})
	if !inFallback {
		return err == nil, err
	}
	c.persist()
	if err != nil {
		c.log.Info("recovery probe failed; staying in fallback", logx.Bool("forced", forced), logx.Err(err))
		return false, err
	}
	c.announce(false, "recovery probe succeeded")
	return true, nil
}

func (c *Controller) callProber(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return c.prober(ctx)
}

// Start launches the probe loop. It is idempotent.
func (c *Controller) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.sup != nil {
		return
	}
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log))
	c.sup.GoRestart("fallback.probe", c.loop, rtsup.RestartPolicy{})
	c.log.Info("fallback controller started",
		logx.String("mode", string(c.Mode())),
		logx.Bool("auto", c.cfg.Enabled),
		logx.Int("threshold", c.cfg.Threshold),
		logx.Duration("check_interval", c.cfg.CheckInterval),
	)
}

// Stop cancels the probe loop and waits for an in-flight probe.
func (c *Controller) Stop(ctx context.Context) {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	c.runMu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		c.log.Warn("fallback controller stop timed out")
	}
}

func (c *Controller) loop(ctx context.Context) error {
	if c.prober == nil {
		<-ctx.Done()
		return nil
	}
	for {
		c.ProbeIfDue(ctx)

		wait := time.Duration(-1)
		if due, ok := c.nextProbe(); ok {
			wait = max(due.Sub(c.now()), time.Second)
		}

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}
		select {
		case <-ctx.Done():
		case <-c.kick:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Guard runs primary unless the controller is in FALLBACK, in which case it
// runs offline. A quota error from primary is recorded and the call falls
// through to offline; other outcomes are recorded as success or returned.
func (c *Controller) Guard(ctx context.Context, primary, offline func(ctx context.Context) error) error {
	if c.Mode() == Fallback {
		if offline == nil {
			return ErrStillExhausted
		}
		return offline(ctx)
	}
	err := primary(ctx)
	switch {
	case err == nil:
		c.RecordSuccess()
		return nil
	case engine.IsQuotaExceeded(err):
		c.RecordQuotaError()
		if offline == nil {
			return err
		}
		c.log.Debug("quota error; using offline path for this call", logx.Err(err))
		return offline(ctx)
	default:
		return err
	}
}
