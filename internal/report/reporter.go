package report

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autopost/internal/eventbus"
	"autopost/internal/monitor"
	"autopost/internal/notifier"
	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

// SampleSource is the read side of the metrics store.
type SampleSource interface {
	QuerySamples(ctx context.Context, start, end time.Time) ([]storage.Sample, error)
	ListItems(ctx context.Context, since time.Time) ([]storage.Item, error)
}

type Config struct {
	OutputDir string
	TopN      int
	HTML      bool
	Weights   monitor.Weights
}

type Reporter struct {
	cfg  Config
	src  SampleSource
	sink notifier.Sink
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time
}

func New(cfg Config, src SampleSource, sink notifier.Sink, log logx.Logger, bus eventbus.Bus) *Reporter {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "reports"
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	if sink == nil {
		sink = notifier.Discard
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Reporter{cfg: cfg, src: src, sink: sink, log: log, bus: bus, now: time.Now}
}

// Generate builds the report for the week ending at. Read failures are logged
// and produce an empty-data report instead of an error.
func (r *Reporter) Generate(ctx context.Context, at time.Time) WeeklyReport {
	in := Input{
		PeriodEnd: at,
		Items:     map[string]storage.Item{},
		TopN:      r.cfg.TopN,
		Weights:   r.cfg.Weights,
	}
	start := at.Add(-Window)

	cur, err := r.src.QuerySamples(ctx, start, at)
	if err != nil {
		r.log.Warn("current window unreadable; reporting no data", logx.Err(err))
	}
	prev, err := r.src.QuerySamples(ctx, start.Add(-Window), start)
	if err != nil {
		r.log.Warn("previous window unreadable; deltas unavailable", logx.Err(err))
	}
	items, err := r.src.ListItems(ctx, time.Time{})
	if err != nil {
		r.log.Warn("item metadata unreadable", logx.Err(err))
	}
	for _, it := range items {
		in.Items[it.ID] = it
	}
	in.Current, in.Previous = cur, prev

	rep := Aggregate(in)
	rep.ID = uuid.NewString()
	rep.GeneratedAt = r.now()
	return rep
}

// Run generates, writes and announces the report for the week ending at. It
// returns an error only when the artifacts cannot be written.
func (r *Reporter) Run(ctx context.Context, at time.Time) (WeeklyReport, []string, error) {
	rep := r.Generate(ctx, at)
	paths, err := Write(r.cfg.OutputDir, rep, r.cfg.HTML)
	if err != nil {
		return rep, paths, fmt.Errorf("write weekly report: %w", err)
	}
	r.log.Info("weekly report written",
		logx.String("period_start", rep.PeriodStart.Format(time.DateOnly)),
		logx.Int("items", rep.TotalItems),
		logx.Any("files", paths),
	)
	r.bus.Publish(eventbus.Event{Type: eventbus.ReportWritten, Data: paths})

	if err := r.sink.Notify(ctx, Headline(rep)); err != nil {
		r.log.Warn("weekly report notification failed", logx.Err(err))
	}
	return rep, paths, nil
}

// Headline is the notification announcing rep.
func Headline(rep WeeklyReport) notifier.Notification {
	title := fmt.Sprintf("Weekly report %s to %s", rep.PeriodStart.Format(time.DateOnly), rep.PeriodEnd.Format(time.DateOnly))
	msg := "No published items had metrics this week."
	if rep.HasData() {
		msg = fmt.Sprintf("%d items, avg views %.0f%s, avg CTR %.2f%%%s, avg viral score %.1f",
			rep.TotalItems,
			rep.AvgViews, signed(rep.Deltas.AvgViews, "%.0f"),
			rep.AvgCTR*100, signed(pct(rep.Deltas.AvgCTR), "%.2f"),
			rep.AvgViralScore,
		)
		if len(rep.TopItems) > 0 {
			top := rep.TopItems[0]
			name := top.Title
			if name == "" {
				name = top.ItemID
			}
			msg += fmt.Sprintf("; top: %s (%.1f)", name, top.ViralScore)
		}
	}
	return notifier.Notification{
		Severity: notifier.SeverityInfo,
		Title:    title,
		Message:  msg,
		Kind:     "weekly_report",
	}
}

func pct(v *float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v * 100
	return &x
}

func signed(v *float64, format string) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf(" (%+"+format[1:]+")", *v)
}
