package engine

import (
	"context"
	"sync"
	"time"

	"autopost/internal/storage"
)

// Config controls the job engine.
//
// The scheduler is trigger-only; execution settings belong here.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds one attempt when Definition.Timeout is 0.
	// 0 leaves attempts unbounded.
	DefaultTimeout time.Duration

	HistorySize int

	// StopTimeout bounds how long Stop waits for attempts in flight.
	StopTimeout time.Duration
}

// Outcome of an attempt or a run.
type Outcome string

const (
	OutcomeSuccess   Outcome = storage.OutcomeSuccess
	OutcomeFailure   Outcome = storage.OutcomeFailure
	OutcomeExhausted Outcome = storage.OutcomeExhausted
	OutcomeSkipped   Outcome = "skipped"
)

// Definition is the immutable execution policy of a named job.
type Definition struct {
	Name       string
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	Enabled    bool
}

// Task binds a definition to its work function.
type Task struct {
	Definition
	Run func(ctx context.Context) error
}

// Result is the outcome of one run (all attempts) of a job.
type Result struct {
	RunID      string                    `json:"run_id"`
	Name       string                    `json:"name"`
	Outcome    Outcome                   `json:"outcome"`
	Attempts   int                       `json:"attempts"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Err        error                     `json:"-"`
	Error      string                    `json:"error,omitempty"`
	Records    []storage.ExecutionRecord `json:"records,omitempty"`
}

// RecordStore receives one record per attempt.
type RecordStore interface {
	AppendExecution(ctx context.Context, r storage.ExecutionRecord) error
}

// runState gates a job name to one run in flight, counting queued runs as in
// flight so a fast trigger cannot pile work into the queue.
type runState struct {
	mu       sync.Mutex
	inflight bool
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

func (s *runState) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

type HistoryItem struct {
	RunID    string        `json:"run_id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// AttemptEvent is published on the event bus after every attempt.
type AttemptEvent struct {
	RunID   string  `json:"run_id"`
	Name    string  `json:"name"`
	Attempt int     `json:"attempt"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// Snapshot is a lightweight view for status surfaces.
type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	TotalRuns     uint64 `json:"total_runs"`
	FailedRuns    uint64 `json:"failed_runs"`
	TotalAttempts uint64 `json:"total_attempts"`
	Dropped       uint64 `json:"dropped"`

	Running []string      `json:"running,omitempty"`
	History []HistoryItem `json:"history,omitempty"`
}
