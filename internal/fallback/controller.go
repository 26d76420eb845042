// Package fallback guards a quota-limited upstream with a NORMAL/FALLBACK
// state machine.
//
// Consecutive quota errors inside an attention window switch the controller
// to FALLBACK; callers then use their offline alternative. While in FALLBACK a
// probe loop checks the upstream every CheckInterval (and at the latest once
// Ceiling after entering FALLBACK) and switches back to NORMAL on success.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autopost/internal/eventbus"
	"autopost/internal/notifier"
	rtsup "autopost/internal/runtime/supervisor"
	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

type Mode string

const (
	Normal   Mode = storage.ModeNormal
	Fallback Mode = storage.ModeFallback
)

type Config struct {
	// Enabled allows automatic NORMAL->FALLBACK transitions. Manual
	// activation works either way.
	Enabled bool
	// Threshold consecutive quota errors trigger FALLBACK.
	Threshold int
	// AttentionWindow bounds the gap between consecutive quota errors; an
	// older error no longer counts. 0 disables the bound.
	AttentionWindow time.Duration
	CheckInterval   time.Duration
	// Ceiling forces a probe this long after entering FALLBACK.
	Ceiling      time.Duration
	ProbeTimeout time.Duration
	// Notify emits activation and recovery notifications.
	Notify bool
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 2
	}
	if c.AttentionWindow < 0 {
		c.AttentionWindow = 0
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 15 * time.Minute
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 24 * time.Hour
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
	return c
}

// State is a copy of the controller state.
type State struct {
	Mode                   Mode       `json:"mode"`
	ConsecutiveQuotaErrors int        `json:"consecutive_errors"`
	LastErrorAt            *time.Time `json:"last_error_at,omitempty"`
	LastRecoveryCheckAt    *time.Time `json:"last_recovery_check_at,omitempty"`
	EnteredFallbackAt      *time.Time `json:"entered_fallback_at,omitempty"`
}

func (s State) clone() State {
	cp := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	s.LastErrorAt = cp(s.LastErrorAt)
	s.LastRecoveryCheckAt = cp(s.LastRecoveryCheckAt)
	s.EnteredFallbackAt = cp(s.EnteredFallbackAt)
	return s
}

func (s State) toStorage() storage.FallbackState {
	s = s.clone()
	return storage.FallbackState{
		Mode:                   string(s.Mode),
		ConsecutiveQuotaErrors: s.ConsecutiveQuotaErrors,
		LastErrorAt:            s.LastErrorAt,
		LastRecoveryCheckAt:    s.LastRecoveryCheckAt,
		EnteredFallbackAt:      s.EnteredFallbackAt,
	}
}

func fromStorage(st storage.FallbackState) State {
	s := State{
		Mode:                   Mode(st.Mode),
		ConsecutiveQuotaErrors: max(st.ConsecutiveQuotaErrors, 0),
		LastErrorAt:            st.LastErrorAt,
		LastRecoveryCheckAt:    st.LastRecoveryCheckAt,
		EnteredFallbackAt:      st.EnteredFallbackAt,
	}
	if s.Mode != Fallback {
		s.Mode = Normal
		s.EnteredFallbackAt = nil
	}
	return s.clone()
}

// Prober checks whether the upstream accepts requests again. A nil error
// means the quota has reset.
type Prober func(ctx context.Context) error

// StateStore persists the controller state across restarts.
type StateStore interface {
	LoadFallbackState(ctx context.Context) (storage.FallbackState, bool, error)
	SaveFallbackState(ctx context.Context, st storage.FallbackState) error
}

type Option func(*Controller)

func WithStore(st StateStore) Option        { return func(c *Controller) { c.store = st } }
func WithSink(sink notifier.Sink) Option    { return func(c *Controller) { c.sink = sink } }
func WithBus(bus eventbus.Bus) Option       { return func(c *Controller) { c.bus = bus } }
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// Controller owns the fallback state. All methods are safe for concurrent use.
type Controller struct {
	cfg    Config
	prober Prober
	log    logx.Logger
	store  StateStore
	sink   notifier.Sink
	bus    eventbus.Bus
	now    func() time.Time

	mu    sync.Mutex
	state State

	persistMu sync.Mutex
	probeMu   sync.Mutex

	kick chan struct{}

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

// New builds a controller and restores persisted state. A failed restore is
// logged and the controller starts in NORMAL.
func New(cfg Config, prober Prober, log logx.Logger, opts ...Option) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		cfg:    cfg.withDefaults(),
		prober: prober,
		log:    log,
		sink:   notifier.Discard,
		bus:    eventbus.Nop(),
		now:    time.Now,
		state:  State{Mode: Normal},
		kick:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	c.restore()
	return c
}

func (c *Controller) restore() {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, ok, err := c.store.LoadFallbackState(ctx)
	if err != nil {
		c.log.Warn("fallback state not restored; starting NORMAL", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	c.state = fromStorage(st)
	c.log.Info("fallback state restored", logx.String("mode", string(c.state.Mode)), logx.Int("consecutive_errors", c.state.ConsecutiveQuotaErrors))
}

// Mode is consulted before every upstream request.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Mode
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

func (c *Controller) Config() Config { return c.cfg }

// RecordQuotaError registers a quota-exceeded signal from the upstream.
func (c *Controller) RecordQuotaError() {
	now := c.now()

	c.mu.Lock()
	st := &c.state
	if st.Mode == Fallback {
		st.LastErrorAt = &now
		c.mu.Unlock()
		c.persist()
		return
	}
	if w := c.cfg.AttentionWindow; w > 0 && st.LastErrorAt != nil && now.Sub(*st.LastErrorAt) > w {
		st.ConsecutiveQuotaErrors = 0
	}
	st.ConsecutiveQuotaErrors++
	st.LastErrorAt = &now
	count := st.ConsecutiveQuotaErrors
	activate := c.cfg.Enabled && count >= c.cfg.Threshold
	if activate {
		c.enterLocked(now)
	}
	c.mu.Unlock()

	c.log.Warn("upstream quota error", logx.Int("consecutive", count), logx.Int("threshold", c.cfg.Threshold))
	c.persist()
	if activate {
		c.announce(true, fmt.Sprintf("%d consecutive quota errors", count))
	}
}

// RecordSuccess registers a successful upstream request.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	changed := c.state.Mode == Normal && c.state.ConsecutiveQuotaErrors != 0
	if changed {
		c.state.ConsecutiveQuotaErrors = 0
	}
	c.mu.Unlock()
	if changed {
		c.persist()
	}
}

// Activate forces FALLBACK. It reports whether the mode changed.
func (c *Controller) Activate(reason string) bool {
	now := c.now()
	c.mu.Lock()
	if c.state.Mode == Fallback {
		c.mu.Unlock()
		return false
	}
	c.enterLocked(now)
	c.mu.Unlock()

	c.persist()
	c.announce(true, "manual: "+reason)
	return true
}

// Deactivate forces NORMAL. It reports whether the mode changed.
func (c *Controller) Deactivate(reason string) bool {
	c.mu.Lock()
	if c.state.Mode == Normal {
		c.mu.Unlock()
		return false
	}
	c.exitLocked()
	c.mu.Unlock()

	c.persist()
	c.announce(false, "manual: "+reason)
	return true
}

// enterLocked switches to FALLBACK. Call with c.mu held.
func (c *Controller) enterLocked(now time.Time) {
	c.state.Mode = Fallback
	c.state.EnteredFallbackAt = &now
	c.state.ConsecutiveQuotaErrors = 0
	c.state.LastRecoveryCheckAt = nil
	c.wake()
}

// exitLocked switches to NORMAL. Call with c.mu held.
func (c *Controller) exitLocked() {
	c.state.Mode = Normal
	c.state.EnteredFallbackAt = nil
	c.state.ConsecutiveQuotaErrors = 0
	c.wake()
}

func (c *Controller) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// persist saves the current state. Writes are serialized so the latest state
// always lands last; failures are logged and ignored.
func (c *Controller) persist() {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	st := c.State().toStorage()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SaveFallbackState(ctx, st); err != nil {
		c.log.Warn("fallback state not persisted", logx.Err(err))
	}
}

func (c *Controller) announce(entered bool, reason string) {
	st := c.State()
	c.bus.Publish(eventbus.Event{Type: eventbus.FallbackMode, Data: st})

	var n notifier.Notification
	if entered {
		c.log.Warn("fallback activated", logx.String("reason", reason))
		n = notifier.Notification{
			Severity:  notifier.SeverityWarning,
			Title:     "Fallback activated",
			Message:   "Upstream quota exhausted (" + reason + "); using offline generation until a probe succeeds.",
			Kind:      "fallback_activated",
			SkipDedup: true,
		}
	} else {
		c.log.Info("fallback cleared", logx.String("reason", reason))
		n = notifier.Notification{
			Severity:  notifier.SeverityInfo,
			Title:     "Fallback cleared",
			Message:   "Upstream accepts requests again (" + reason + ").",
			Kind:      "fallback_cleared",
			SkipDedup: true,
		}
	}
	if !c.cfg.Notify {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sink.Notify(ctx, n); err != nil {
		c.log.Warn("fallback notification failed", logx.Err(err))
	}
}
