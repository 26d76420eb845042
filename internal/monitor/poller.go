package monitor

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"autopost/internal/eventbus"
	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

// ItemSource lists items published at or after since.
type ItemSource interface {
	ListItems(ctx context.Context, since time.Time) ([]storage.Item, error)
}

// SampleStore is where the poller appends observations.
type SampleStore interface {
	AppendSample(ctx context.Context, s storage.Sample) error
	LatestSample(ctx context.Context, itemID string) (storage.Sample, bool, error)
}

type Config struct {
	// LookbackDays limits polling to recently published items.
	LookbackDays int
	// MinSpacing is the minimum gap between two item fetches.
	MinSpacing   time.Duration
	FetchTimeout time.Duration
	Weights      Weights
}

// PassResult summarizes one poll pass.
type PassResult struct {
	Started     time.Time      `json:"started"`
	Finished    time.Time      `json:"finished"`
	Total       int            `json:"total"`
	Updated     int            `json:"updated"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Unavailable bool           `json:"unavailable,omitempty"`
	SuccessRate float64        `json:"success_rate"`
	Scores      []DerivedScore `json:"scores,omitempty"`
}

type Poller struct {
	cfg     Config
	source  MetricsSource
	items   ItemSource
	samples SampleStore
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	limiter *rate.Limiter
	running atomic.Bool

	mu   sync.Mutex
	last *PassResult
}

func New(cfg Config, source MetricsSource, items ItemSource, samples SampleStore, log logx.Logger, bus eventbus.Bus) *Poller {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 7
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if source == nil {
		source = Unavailable{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	limit := rate.Inf
	if cfg.MinSpacing > 0 {
		limit = rate.Every(cfg.MinSpacing)
	}
	return &Poller{
		cfg:     cfg,
		source:  source,
		items:   items,
		samples: samples,
		log:     log,
		bus:     bus,
		now:     time.Now,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Available reports whether the metrics collaborator can be used.
func (p *Poller) Available() bool { return p.source.Available() }

// Last returns the most recent pass summary.
func (p *Poller) Last() (PassResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return PassResult{}, false
	}
	return *p.last, true
}

// Poll runs one pass over the tracked items. A failed item is logged and
// skipped. If the source is unavailable the pass is a no-op with
// Unavailable set. Only a cancelled ctx or a failing item listing abort it.
func (p *Poller) Poll(ctx context.Context) (PassResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		return PassResult{}, ErrPassInFlight
	}
	defer p.running.Store(false)

	res := PassResult{Started: p.now()}
	if !p.source.Available() {
		res.Unavailable = true
		res.Finished = res.Started
		p.log.Warn("monitoring unavailable: metrics source not configured or unreachable")
		p.finish(res)
		return res, nil
	}

	since := res.Started.AddDate(0, 0, -p.cfg.LookbackDays)
	items, err := p.items.ListItems(ctx, since)
	if err != nil {
		return res, err
	}
	res.Total = len(items)

	for _, it := range items {
		if err := p.limiter.Wait(ctx); err != nil {
			return res, err
		}
		score, err := p.pollItem(ctx, it)
		switch {
		case err == nil:
			res.Updated++
			res.Scores = append(res.Scores, score)
		case errors.Is(err, errNotNewer):
			res.Skipped++
		case ctx.Err() != nil:
			return res, ctx.Err()
		default:
			res.Failed++
			p.log.Warn("metrics fetch failed; item skipped", logx.String("item", it.ID), logx.Err(err))
		}
	}

	res.Finished = p.now()
	if attempted := res.Updated + res.Failed; attempted > 0 {
		res.SuccessRate = math.Round(float64(res.Updated)/float64(attempted)*10000) / 100
	}
	p.log.Info("performance pass finished",
		logx.Int("updated", res.Updated),
		logx.Int("failed", res.Failed),
		logx.Int("skipped", res.Skipped),
		logx.Int("total", res.Total),
		logx.Float64("success_rate", res.SuccessRate),
	)
	p.finish(res)
	return res, nil
}

var errNotNewer = errors.New("sample not newer than the latest one")

func (p *Poller) pollItem(ctx context.Context, it storage.Item) (DerivedScore, error) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	m, err := p.source.FetchMetrics(fctx, it.ID)
	cancel()
	if err != nil {
		return DerivedScore{}, err
	}

	s := storage.Sample{
		ItemID:     it.ID,
		CapturedAt: p.now().UTC().Truncate(time.Millisecond),
		Views:      m.Views,
		Likes:      m.Likes,
		Comments:   m.Comments,
		CTR:        m.CTR,
		Revenue:    m.Revenue,
	}

	prev, ok, err := p.samples.LatestSample(ctx, it.ID)
	if err != nil {
		return DerivedScore{}, err
	}
	if ok && !s.CapturedAt.After(prev.CapturedAt) {
		p.log.Warn("clock behind latest sample; item skipped",
			logx.String("item", it.ID),
			logx.Time("latest", prev.CapturedAt),
			logx.Time("now", s.CapturedAt),
		)
		return DerivedScore{}, errNotNewer
	}
	if err := p.samples.AppendSample(ctx, s); err != nil {
		return DerivedScore{}, err
	}

	score := Score(s, it.PublishedAt, p.cfg.Weights, s.CapturedAt)
	p.log.Debug("metrics updated", logx.String("item", it.ID), logx.Int64("views", s.Views), logx.Float64("viral_score", score.ViralScore))
	return score, nil
}

func (p *Poller) finish(res PassResult) {
	p.mu.Lock()
	p.last = &res
	p.mu.Unlock()
	p.bus.Publish(eventbus.Event{Type: eventbus.PollFinished, Data: res})
}
