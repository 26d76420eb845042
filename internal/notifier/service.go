package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"autopost/internal/eventbus"
	rtsup "autopost/internal/runtime/supervisor"
	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

var _ DedupStore = (storage.Store)(nil)

// Service is an async notification pipeline: queue, rate limit, retry,
// dedup and fanout to channels. It implements Sink and is safe for
// concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	store    DedupStore
	channels []Channel

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Notification
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, channels []Channel, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Service{
		log:      log,
		bus:      bus,
		store:    store,
		channels: channels,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:    map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Channels returns the configured channel names.
func (s *Service) Channels() []string {
	out := make([]string, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c.Name())
	}
	return out
}

// Start launches the delivery worker. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}
	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	q := s.queue
	s.sup.GoRestart("notifier.worker", func(c context.Context) error {
		return s.workerLoop(c, q)
	}, rtsup.RestartPolicy{})
}

// Stop closes intake and drains queued notifications until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("notifier drain timed out", logx.Int("pending", len(q)))
		_ = sup.Stop(context.Background())
	}
}

// Notify enqueues n. It never blocks on delivery.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	if n.Severity == "" {
		n.Severity = SeverityInfo
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if s.cfg.DedupWindow > 0 && !n.SkipDedup && !s.dedupAllow(ctx, dedupKey(n)) {
		s.log.Debug("notification deduped", logx.String("title", n.Title))
		return nil
	}

	select {
	case q <- n:
		return nil
	default:
		s.log.Warn("notification dropped", logx.String("title", n.Title), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// History returns the most recent notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]HistoryItem(nil), s.history[over:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, n)
		}
	}
}

// deliver fans n out to every channel, retrying each one independently.
func (s *Service) deliver(ctx context.Context, n Notification) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	h := HistoryItem{Notification: n}
	for _, ch := range s.channels {
		err := s.sendWithRetry(ctx, ch, n)
		ev := DeliveryEvent{Channel: ch.Name(), Title: n.Title, At: time.Now()}
		if err != nil {
			ev.Error = err.Error()
			h.Failed = append(h.Failed, ch.Name())
			s.log.Warn("notification delivery failed", logx.String("channel", ch.Name()), logx.String("title", n.Title), logx.Err(err))
			s.bus.Publish(eventbus.Event{Type: eventbus.NotifyFailed, Data: ev})
			continue
		}
		h.Delivered = append(h.Delivered, ch.Name())
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifySent, Data: ev})
	}
	s.appendHistory(h)
}

func (s *Service) sendWithRetry(ctx context.Context, ch Channel, n Notification) error {
	var lastErr error
	delay := s.cfg.RetryBase
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			delay *= 2
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		lastErr = ch.Send(cctx, n)
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func dedupKey(n Notification) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s", n.Severity, n.Title, n.Message)
	return fmt.Sprintf("notify:%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(s.cfg.DedupWindow)
	s.dmu.Lock()
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = until
	s.dmu.Unlock()

	if s.cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(cctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.Err(err))
		}
		cancel()
	}
	return true
}
