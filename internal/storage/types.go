package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, nothing survives a restart
//   - "file": JSON Lines + state snapshot under Path
//   - "sqlite": SQLite database file at Path
//   - "mysql": MySQL, DSN in go-sql-driver format
//   - "postgres": PostgreSQL through gorm, DSN in libpq/pgx format
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Execution outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeExhausted = "exhausted"
)

// ExecutionRecord is one job attempt. Append-only.
type ExecutionRecord struct {
	RunID      string    `json:"run_id"`
	JobName    string    `json:"job_name"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Item is a published piece of content tracked by the poller.
type Item struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Sample is one metrics observation of an item. Append-only; a second sample
// with the same (ItemID, CapturedAt) is ignored.
type Sample struct {
	ItemID     string    `json:"item_id"`
	CapturedAt time.Time `json:"captured_at"`
	Views      int64     `json:"views"`
	Likes      int64     `json:"likes"`
	Comments   int64     `json:"comments"`
	CTR        float64   `json:"click_through_rate"`
	Revenue    *float64  `json:"estimated_revenue,omitempty"`
}

// Fallback modes as persisted.
const (
	ModeNormal   = "NORMAL"
	ModeFallback = "FALLBACK"
)

// FallbackState is the persisted form of the fallback controller state.
type FallbackState struct {
	Mode                   string     `json:"mode"`
	ConsecutiveQuotaErrors int        `json:"consecutive_quota_errors"`
	LastErrorAt            *time.Time `json:"last_error_at,omitempty"`
	LastRecoveryCheckAt    *time.Time `json:"last_recovery_check_at,omitempty"`
	EnteredFallbackAt      *time.Time `json:"entered_fallback_at,omitempty"`
}

func msOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func timePtrFromMS(ms *int64) *time.Time {
	if ms == nil || *ms == 0 {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
