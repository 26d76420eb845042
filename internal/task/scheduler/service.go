package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"autopost/internal/task/engine"
	logx "autopost/pkg/logx"
)

var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrUnknownJob   = errors.New("unknown job")
)

// Handler is invoked once per fire on the trigger goroutine. It must not block;
// the usual handler enqueues into the job engine.
type Handler func(ctx context.Context) error

// FireStore persists the last fire time per job so interval triggers keep
// their cadence across restarts.
type FireStore interface {
	LastFire(ctx context.Context, job string) (time.Time, bool, error)
	PutLastFire(ctx context.Context, job string, at time.Time) error
}

type Config struct {
	// Timezone for daily and weekly triggers. Empty means local time.
	Timezone string
}

type jobDef struct {
	name    string
	trigger Trigger
	handler Handler
	entryID cron.EntryID
	anchor  time.Time
	prev    time.Time
	fires   uint64
	skips   uint64

	// anchored is set once anchor has been resolved.
	anchored bool
}

// ScheduleInfo describes one registered job.
type ScheduleInfo struct {
	Name    string    `json:"name"`
	Trigger string    `json:"trigger"`
	Kind    string    `json:"kind"`
	Next    time.Time `json:"next_fire_time"`
	Prev    time.Time `json:"prev_fire_time,omitempty"`
	Fires   uint64    `json:"fires"`
	Skips   uint64    `json:"skips"`
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	loc   *time.Location
	fires FireStore
	now   func() time.Time

	c    *cron.Cron
	ctx  context.Context
	defs map[string]*jobDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, log logx.Logger, fires FireStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	return &Service{
		log:         log,
		loc:         loc,
		fires:       fires,
		now:         time.Now,
		defs:        map[string]*jobDef{},
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Location() *time.Location { return s.loc }

// Register adds a job. Registration after Start takes effect immediately.
func (s *Service) Register(name string, t Trigger, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return errors.New("scheduler: name and handler are required")
	}
	if !t.Valid() {
		return ErrInvalidTrigger
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[name]; ok {
		return ErrDuplicateJob
	}
	d := &jobDef{name: name, trigger: t, handler: h}
	s.defs[name] = d
	if s.c != nil {
		s.addLocked(d)
	}
	return nil
}

// Start launches the trigger loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(
		cron.WithParser(specParser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	for _, name := range s.namesLocked() {
		s.addLocked(s.defs[name])
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop halts the trigger loop and waits for a fire in progress. Jobs already
// handed to the engine are not affected.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// resolveAnchorLocked fixes the interval anchor of d at the persisted last
// fire, or at now when there is none. Call with s.mu held.
func (s *Service) resolveAnchorLocked(ctx context.Context, d *jobDef) {
	now := s.now().In(s.loc)
	d.anchor = now
	d.anchored = true
	if d.trigger.Kind != KindInterval || s.fires == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	last, ok, err := s.fires.LastFire(ctx, d.name)
	cancel()
	switch {
	case err != nil:
		s.log.Warn("last fire lookup failed; anchoring at now", logx.String("job", d.name), logx.Err(err))
	case ok && !last.After(now):
		d.anchor = last.In(s.loc)
		if d.prev.IsZero() {
			d.prev = d.anchor
		}
	}
}

// addLocked resolves the interval anchor and registers d with cron.
// Call with s.mu held.
func (s *Service) addLocked(d *jobDef) {
	now := s.now().In(s.loc)
	s.resolveAnchorLocked(s.ctx, d)
	d.entryID = s.c.Schedule(d.trigger.schedule(d.anchor), cron.FuncJob(func() { s.fire(d.name) }))

	s.log.Debug("job scheduled",
		logx.String("job", d.name),
		logx.String("trigger", d.trigger.String()),
		logx.Time("next", d.trigger.schedule(d.anchor).Next(now)),
	)
}

func (s *Service) fire(name string) {
	at := s.now().In(s.loc)

	s.mu.Lock()
	d := s.defs[name]
	ctx := s.ctx
	if d == nil || ctx == nil {
		s.mu.Unlock()
		return
	}
	d.prev = at
	d.fires++
	h := d.handler
	s.mu.Unlock()

	err := h(ctx)
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.mu.Lock()
		d.skips++
		s.mu.Unlock()
	}
	s.reportEnqueueError(name, err)

	if s.fires != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := s.fires.PutLastFire(pctx, name, at); err != nil {
			s.log.Warn("last fire not persisted", logx.String("job", name), logx.Err(err))
		}
		cancel()
	}
}

// Next returns the next fire time of name. Before Start interval jobs are
// anchored the same way Start anchors them, once, so repeated calls agree.
func (s *Service) Next(name string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return time.Time{}, ErrUnknownJob
	}
	return s.nextLocked(d), nil
}

// Prev returns the last fire time of name (zero if it never fired).
func (s *Service) Prev(name string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return time.Time{}, ErrUnknownJob
	}
	if !d.anchored && s.c == nil {
		s.resolveAnchorLocked(context.Background(), d)
	}
	return d.prev, nil
}

func (s *Service) nextLocked(d *jobDef) time.Time {
	if s.c != nil && d.entryID != 0 {
		if e := s.c.Entry(d.entryID); !e.Next.IsZero() {
			return e.Next
		}
		return d.trigger.schedule(d.anchor).Next(s.now().In(s.loc))
	}
	if !d.anchored {
		s.resolveAnchorLocked(context.Background(), d)
	}
	return d.trigger.schedule(d.anchor).Next(s.now().In(s.loc))
}

func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, name := range s.namesLocked() {
		d := s.defs[name]
		next := s.nextLocked(d)
		out = append(out, ScheduleInfo{
			Name:    d.name,
			Trigger: d.trigger.String(),
			Kind:    d.trigger.Kind.String(),
			Next:    next,
			Prev:    d.prev,
			Fires:   d.fires,
			Skips:   d.skips,
		})
	}
	return out
}

func (s *Service) namesLocked() []string {
	names := make([]string, 0, len(s.defs))
	for n := range s.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips are expected when a run outlasts its interval.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("tick skipped: previous run still in flight", logx.String("job", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("scheduled fire not accepted", logx.String("job", name), logx.Err(err))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
