package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidTrigger = errors.New("invalid trigger")

type Kind int

const (
	KindDaily Kind = iota + 1
	KindInterval
	KindWeekly
)

func (k Kind) String() string {
	switch k {
	case KindDaily:
		return "daily"
	case KindInterval:
		return "interval"
	case KindWeekly:
		return "weekly"
	default:
		return "unknown"
	}
}

// TriggerSpec is the configured form of a trigger. Exactly one kind must be
// set: Time alone (daily), DayOfWeek with Time (weekly), or one of
// IntervalHours / Interval.
type TriggerSpec struct {
	Time          string
	IntervalHours float64
	Interval      time.Duration
	DayOfWeek     string
}

// Trigger is a parsed, validated fire rule.
type Trigger struct {
	Kind    Kind
	Hour    int
	Minute  int
	Weekday time.Weekday
	Every   time.Duration

	cron cron.Schedule
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTrigger, fmt.Sprintf(format, args...))
}

func ParseTrigger(ts TriggerSpec) (Trigger, error) {
	at := strings.TrimSpace(ts.Time)
	dow := strings.TrimSpace(ts.DayOfWeek)

	every := ts.Interval
	if ts.IntervalHours != 0 {
		if ts.Interval != 0 {
			return Trigger{}, invalid("interval_hours and interval are mutually exclusive")
		}
		every = time.Duration(ts.IntervalHours * float64(time.Hour))
	}
	if ts.IntervalHours < 0 || every < 0 {
		return Trigger{}, invalid("interval must be > 0")
	}

	switch {
	case every > 0:
		if at != "" || dow != "" {
			return Trigger{}, invalid("interval cannot be combined with time or day_of_week")
		}
		if every < time.Second {
			return Trigger{}, invalid("interval %s is below one second", every)
		}
		return Trigger{Kind: KindInterval, Every: every}, nil

	case dow != "":
		if at == "" {
			return Trigger{}, invalid("weekly trigger needs time")
		}
		wd, err := parseWeekday(dow)
		if err != nil {
			return Trigger{}, err
		}
		h, m, err := parseHHMM(at)
		if err != nil {
			return Trigger{}, err
		}
		sched, err := specParser.Parse(fmt.Sprintf("%d %d * * %d", m, h, int(wd)))
		if err != nil {
			return Trigger{}, invalid("%v", err)
		}
		return Trigger{Kind: KindWeekly, Hour: h, Minute: m, Weekday: wd, cron: sched}, nil

	case at != "":
		h, m, err := parseHHMM(at)
		if err != nil {
			return Trigger{}, err
		}
		sched, err := specParser.Parse(fmt.Sprintf("%d %d * * *", m, h))
		if err != nil {
			return Trigger{}, invalid("%v", err)
		}
		return Trigger{Kind: KindDaily, Hour: h, Minute: m, cron: sched}, nil
	}
	return Trigger{}, invalid("no trigger configured")
}

func (t Trigger) Valid() bool { return t.Kind != 0 }

// Next returns the first fire time strictly after after, in after's location.
// Interval triggers without an anchor fire one interval after after.
func (t Trigger) Next(after time.Time) time.Time {
	switch t.Kind {
	case KindDaily, KindWeekly:
		return t.cron.Next(after)
	case KindInterval:
		return after.Add(t.Every)
	}
	return time.Time{}
}

func (t Trigger) String() string {
	switch t.Kind {
	case KindDaily:
		return fmt.Sprintf("daily %02d:%02d", t.Hour, t.Minute)
	case KindWeekly:
		return fmt.Sprintf("weekly %s %02d:%02d", strings.ToLower(t.Weekday.String()[:3]), t.Hour, t.Minute)
	case KindInterval:
		return "every " + t.Every.String()
	}
	return "invalid"
}

// schedule returns the cron.Schedule for t. Interval triggers are anchored so
// fires land on anchor + k*Every.
func (t Trigger) schedule(anchor time.Time) cron.Schedule {
	if t.Kind == KindInterval {
		return anchoredSchedule{anchor: anchor, every: t.Every}
	}
	return t.cron
}

// anchoredSchedule fires every interval from anchor. A gap longer than one
// interval (downtime) is skipped, not replayed.
type anchoredSchedule struct {
	anchor time.Time
	every  time.Duration
}

func (s anchoredSchedule) Next(t time.Time) time.Time {
	if t.Before(s.anchor) {
		return s.anchor
	}
	n := t.Sub(s.anchor)/s.every + 1
	return s.anchor.Add(n * s.every)
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekday(v string) (time.Weekday, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 || n > 6 {
			return 0, invalid("day_of_week %q out of range 0..6", v)
		}
		return time.Weekday(n), nil
	}
	if len(v) >= 3 {
		if wd, ok := weekdays[v[:3]]; ok && strings.HasPrefix(strings.ToLower(wd.String()), v) {
			return wd, nil
		}
	}
	return 0, invalid("unknown day_of_week %q", v)
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, invalid("time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, invalid("hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return 0, 0, invalid("minute in %q", s)
	}
	return h, m, nil
}
