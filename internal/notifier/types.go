package notifier

import (
	"context"
	"strings"
	"time"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Rank orders severities; unknown values rank as info.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// ParseSeverity maps a config string to a Severity, defaulting to info.
func ParseSeverity(v string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(v))) {
	case SeverityError:
		return SeverityError
	case SeverityWarning, "warn":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Notification is an operator-facing message.
type Notification struct {
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Time     time.Time `json:"timestamp"`
	// Kind is a short machine tag (e.g. "fallback_activated"), used in file names.
	Kind string `json:"kind,omitempty"`
	// SkipDedup delivers n even when an identical notification went out
	// within the dedup window. State transitions set it.
	SkipDedup bool `json:"-"`
}

// Sink accepts notifications. Delivery failures never propagate to the
// component that raised the notification.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Discard is a Sink that drops everything.
var Discard Sink = SinkFunc(func(context.Context, Notification) error { return nil })

// Channel delivers a notification to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled      bool
	QueueSize    int
	RatePerSec   int
	RetryMax     int
	RetryBase    time.Duration
	DedupWindow  time.Duration
	PersistDedup bool
	HistorySize  int
	SendTimeout  time.Duration
}

type HistoryItem struct {
	Notification
	Delivered []string `json:"delivered,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// DeliveryEvent is published on the event bus after each delivery.
type DeliveryEvent struct {
	Channel string    `json:"channel"`
	Title   string    `json:"title"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
