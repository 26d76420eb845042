// Package app wires the scheduler, job engine, fallback controller, poller,
// reporter and notifier into one process and exposes the operator controls:
// start, stop, force run and status.
package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"autopost/internal/cleanup"
	"autopost/internal/config"
	"autopost/internal/eventbus"
	"autopost/internal/fallback"
	"autopost/internal/monitor"
	"autopost/internal/notifier"
	"autopost/internal/pipeline"
	"autopost/internal/report"
	rtsup "autopost/internal/runtime/supervisor"
	"autopost/internal/storage"
	"autopost/internal/task/engine"
	"autopost/internal/task/scheduler"
	logx "autopost/pkg/logx"
)

// Publisher runs the external publishing pipeline in a text-generation mode.
type Publisher interface {
	Run(ctx context.Context, mode string) error
}

type Option func(*options)

type options struct {
	log       logx.Logger
	store     storage.Store
	source    monitor.MetricsSource
	publisher Publisher
	prober    fallback.Prober
	now       func() time.Time
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithStore replaces the store opened from the storage section. The app
// closes it on Stop.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

func WithMetricsSource(src monitor.MetricsSource) Option {
	return func(o *options) { o.source = src }
}

func WithPublisher(p Publisher) Option { return func(o *options) { o.publisher = p } }

func WithProber(p fallback.Prober) Option { return func(o *options) { o.prober = p } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

type App struct {
	cfg  *config.Config
	cfgm *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	// storeDriver is "memory" when no persistent driver is configured.
	storeDriver string

	notif    *notifier.Service
	engine   *engine.Service
	sched    *scheduler.Service
	fallback *fallback.Controller
	poller   *monitor.Poller
	reporter *report.Reporter
	cleaner  *cleanup.Cleaner

	publisher Publisher

	jobs  map[string]*job
	order []string

	now func() time.Time

	mu        sync.Mutex
	sup       *rtsup.Supervisor
	startedAt time.Time
	closeOnce sync.Once
}

// New loads the config file at cfgPath and builds the app. The file is
// watched after Start; edits are validated and logged as needing a restart.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	cfgm.OnChange = func(sections []string) {
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigOutdated, Time: a.now(), Data: sections})
	}
	return a, nil
}

// NewFromConfig builds the app from an already loaded config.
func NewFromConfig(cfg *config.Config, opts ...Option) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return build(cfg, opts...)
}

func build(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	a := &App{cfg: cfg, now: o.now, jobs: map[string]*job{}}

	if o.log.IsZero() {
		a.logs, a.log = logx.New(mapLogging(cfg))
	} else {
		a.log = o.log
	}
	a.log = a.log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	if err := a.openStore(cfg, o.store); err != nil {
		a.closeLogs()
		return nil, err
	}
	if err := a.buildComponents(cfg, o); err != nil {
		_ = a.store.Close()
		a.closeLogs()
		return nil, err
	}
	a.buildJobs(cfg)
	return a, nil
}

func (a *App) openStore(cfg *config.Config, override storage.Store) error {
	if override != nil {
		a.store, a.storeDriver = override, "custom"
		return nil
	}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if !enabled {
		a.store, a.storeDriver = storage.NewMemory(), "memory"
		a.log.Info("storage not configured; state is kept in memory")
		return nil
	}
	st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store, a.storeDriver = st, sc.Driver
	a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	return nil
}

func (a *App) buildComponents(cfg *config.Config, o options) error {
	comp := func(name string) logx.Logger { return a.log.With(logx.String("comp", name)) }

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, buildChannels(cfg, a.log), comp("notifier"), a.bus, a.store)

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ecfg, comp("engine"), a.bus,
		engine.WithRecordStore(a.store),
		engine.WithSink(a.notif),
	)
	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, comp("scheduler"), a.store)

	pcfg, err := mapPipelineConfig(cfg)
	if err != nil {
		return err
	}
	runner := pipeline.New(pcfg, comp("pipeline"))
	a.publisher = o.publisher
	if a.publisher == nil && runner.Configured() {
		a.publisher = runner
	}
	prober := o.prober
	if prober == nil && runner.CanProbe() {
		prober = runner.Probe
	}

	fcfg, err := mapFallbackConfig(cfg)
	if err != nil {
		return err
	}
	a.fallback = fallback.New(fcfg, prober, comp("fallback"),
		fallback.WithStore(a.store),
		fallback.WithSink(a.notif),
		fallback.WithBus(a.bus),
		fallback.WithClock(a.now),
	)

	weights, err := mapWeights(cfg)
	if err != nil {
		return err
	}
	mcfg, err := mapMonitorConfig(cfg, weights)
	if err != nil {
		return err
	}
	src := o.source
	if src == nil {
		src = monitor.NewSource(cfg.Monitor.Source, mcfg.FetchTimeout)
	}
	a.poller = monitor.New(mcfg, src, a.store, a.store, comp("monitor"), a.bus)
	a.reporter = report.New(mapReportConfig(cfg, weights), a.store, a.notif, comp("report"), a.bus)
	a.cleaner = cleanup.New(mapCleanupConfig(cfg), comp("cleanup"))
	return nil
}

// Start launches the notifier, engine, fallback probe loop, trigger loop and
// config watcher. It is idempotent.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	runCtx := a.sup.Context()

	a.notif.Start(runCtx)
	a.engine.Start(runCtx)
	a.fallback.Start(runCtx)

	a.sched.Start(runCtx)

	if a.cfgm != nil {
		a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.RestartPolicy{})
	}
	a.sup.Go("eventbus.log", a.logEvents)

	a.startedAt = a.now()
	a.log.Info("app started",
		logx.Int("jobs", len(a.order)),
		logx.String("mode", string(a.fallback.Mode())),
		logx.String("storage", a.storeDriver),
	)
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// Stop shuts components down in dependency order, each step bounded so one
// component cannot stall the rest. Attempts already running finish first.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	if sup == nil {
		a.closeStore()
		a.closeLogs()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, limit time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, a.sched.Stop)
	step("engine", a.engineStopLimit(), a.engine.Stop)
	step("fallback", 2*time.Second, a.fallback.Stop)
	step("notifier", 3*time.Second, a.notif.Stop)
	step("supervisor", 2*time.Second, func(c context.Context) { _ = sup.Stop(c) })
	a.closeStore()

	a.log.Info("stopped")
	a.closeLogs()
	return nil
}

func (a *App) engineStopLimit() time.Duration {
	ecfg, err := mapEngineConfig(a.cfg)
	if err != nil {
		return 30 * time.Second
	}
	return ecfg.StopTimeout + time.Second
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	a.closeOnce.Do(func() {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	})
}

func (a *App) closeLogs() {
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// Done is closed when the app's run context ends.
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Config returns the config the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the app logger.
func (a *App) Logger() logx.Logger { return a.log }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
