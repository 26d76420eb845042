package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"autopost/internal/eventbus"
	"autopost/internal/notifier"
	rtsup "autopost/internal/runtime/supervisor"
	logx "autopost/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	records RecordStore
	sink    notifier.Sink

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	stateMu sync.Mutex
	states  map[string]*runState

	hmu     sync.Mutex
	history []HistoryItem
	last    map[string]Result

	inFlight      atomic.Int32
	totalRuns     atomic.Uint64
	failedRuns    atomic.Uint64
	totalAttempts atomic.Uint64
	dropped       atomic.Uint64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	state      *runState
}

// Option configures optional collaborators.
type Option func(*Service)

// WithRecordStore persists one record per attempt.
func WithRecordStore(rs RecordStore) Option { return func(s *Service) { s.records = rs } }

// WithSink receives the exhaustion notification.
func WithSink(sink notifier.Sink) Option { return func(s *Service) { s.sink = sink } }

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		sink:   notifier.Discard,
		states: make(map[string]*runState),
		last:   make(map[string]Result),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.stopCh != nil {
		return
	}

	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	q, stopCh := s.q, s.stopCh
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.worker(c, stopCh, q)
		}, rtsup.RestartPolicy{})
	}
	s.log.Info("job engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", cap(q)))
}

// Stop closes intake, aborts pending retry waits and waits (bounded by ctx and
// StopTimeout) for attempts already running. Queued runs that have not started
// are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup, q := s.sup, s.q
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("job engine stop timed out", logx.Int("in_flight", int(s.inFlight.Load())))
	}

drain:
	for {
		select {
		case qt := <-q:
			qt.state.release()
			s.dropped.Add(1)
			s.log.Debug("queued run dropped on stop", logx.String("job", qt.task.Name))
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.q, s.stopCh, s.sup = nil, nil, nil
	s.stopping = false
	s.mu.Unlock()
	s.log.Info("job engine stopped")
}

func validate(t *Task) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if t.Run == nil {
		return ErrNilWork
	}
	if !t.Enabled {
		return ErrJobDisabled
	}
	return nil
}

// Enqueue hands t to a worker without blocking. A job that is already queued
// or running yields ErrOverlapSkip and is not queued again.
func (s *Service) Enqueue(t Task) error {
	if err := validate(&t); err != nil {
		return err
	}

	s.mu.Lock()
	q, stopCh, stopping := s.q, s.stopCh, s.stopping
	s.mu.Unlock()

	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	st := s.stateFor(t.Name)
	if !st.tryAcquire() {
		s.publishSkipped(t.Name)
		return ErrOverlapSkip
	}

	select {
	case q <- queuedTask{task: t, enqueuedAt: time.Now(), state: st}:
		return nil
	default:
		st.release()
		s.dropped.Add(1)
		s.log.Warn("job dropped: queue full", logx.String("job", t.Name), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

// Run executes t synchronously on the caller's goroutine, honoring the same
// per-job gating as Enqueue. Cancelling ctx aborts pending retry waits only.
func (s *Service) Run(ctx context.Context, t Task) Result {
	if err := validate(&t); err != nil {
		return Result{Name: t.Name, Outcome: OutcomeSkipped, Err: err, Error: err.Error()}
	}
	st := s.stateFor(t.Name)
	if !st.tryAcquire() {
		s.publishSkipped(t.Name)
		return Result{Name: t.Name, Outcome: OutcomeSkipped, Err: ErrOverlapSkip, Error: ErrOverlapSkip.Error()}
	}
	defer st.release()

	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()
	return s.execute(ctx, stopCh, t)
}

// Running reports whether name is queued or executing.
func (s *Service) Running(name string) bool {
	s.stateMu.Lock()
	st := s.states[name]
	s.stateMu.Unlock()
	return st != nil && st.busy()
}

// LastResult returns the most recent finished run of name.
func (s *Service) LastResult(name string) (Result, bool) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	r, ok := s.last[name]
	return r, ok
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:       s.cfg.Enabled,
		Workers:       s.cfg.Workers,
		InFlight:      int(s.inFlight.Load()),
		TotalRuns:     s.totalRuns.Load(),
		FailedRuns:    s.failedRuns.Load(),
		TotalAttempts: s.totalAttempts.Load(),
		Dropped:       s.dropped.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}

	s.stateMu.Lock()
	for name, st := range s.states {
		if st.busy() {
			snap.Running = append(snap.Running, name)
		}
	}
	s.stateMu.Unlock()
	sort.Strings(snap.Running)

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(name string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &runState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) publishSkipped(name string) {
	s.log.Debug("job skipped: still in flight", logx.String("job", name))
	s.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Data: name})
}

func (s *Service) finish(r Result) {
	s.totalRuns.Add(1)
	if r.Outcome != OutcomeSuccess {
		s.failedRuns.Add(1)
	}

	item := HistoryItem{
		RunID:    r.RunID,
		Name:     r.Name,
		Started:  r.StartedAt,
		Duration: r.FinishedAt.Sub(r.StartedAt),
		Attempts: r.Attempts,
		Outcome:  r.Outcome,
		Error:    r.Error,
	}
	s.hmu.Lock()
	s.last[r.Name] = r
	s.history = append(s.history, item)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]HistoryItem(nil), s.history[over:]...)
	}
	s.hmu.Unlock()

	s.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Data: item})
}

func newRunID() string { return uuid.NewString() }
