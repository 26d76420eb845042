package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "autopost/pkg/logx"
)

// Store is the persistence API used by the scheduler, runner, fallback
// controller, poller and reporter.
type Store interface {
	AppendExecution(ctx context.Context, r ExecutionRecord) error
	// RecentExecutions returns up to limit records for job (all jobs if empty), newest first.
	RecentExecutions(ctx context.Context, job string, limit int) ([]ExecutionRecord, error)

	UpsertItem(ctx context.Context, it Item) error
	// ListItems returns items published at or after since, oldest first.
	ListItems(ctx context.Context, since time.Time) ([]Item, error)

	AppendSample(ctx context.Context, s Sample) error
	LatestSample(ctx context.Context, itemID string) (Sample, bool, error)
	// QuerySamples returns samples with start <= captured_at < end ordered by
	// captured_at, then item_id.
	QuerySamples(ctx context.Context, start, end time.Time) ([]Sample, error)

	LoadFallbackState(ctx context.Context) (FallbackState, bool, error)
	SaveFallbackState(ctx context.Context, st FallbackState) error

	LastFire(ctx context.Context, job string) (time.Time, bool, error)
	PutLastFire(ctx context.Context, job string, at time.Time) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "mysql":
		return openMySQL(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
