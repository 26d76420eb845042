package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autopost/internal/task/engine"
	logx "autopost/pkg/logx"
)

func mustTrigger(t *testing.T, ts TriggerSpec) Trigger {
	t.Helper()
	tr, err := ParseTrigger(ts)
	if err != nil {
		t.Fatalf("ParseTrigger(%+v): %v", ts, err)
	}
	return tr
}

func TestParseTrigger(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   TriggerSpec
		kind Kind
		str  string
	}{
		{"daily", TriggerSpec{Time: "08:00"}, KindDaily, "daily 08:00"},
		{"interval hours", TriggerSpec{IntervalHours: 6}, KindInterval, "every 6h0m0s"},
		{"fractional hours", TriggerSpec{IntervalHours: 0.5}, KindInterval, "every 30m0s"},
		{"interval duration", TriggerSpec{Interval: 90 * time.Minute}, KindInterval, "every 1h30m0s"},
		{"weekly name", TriggerSpec{Time: "23:59", DayOfWeek: "sunday"}, KindWeekly, "weekly sun 23:59"},
		{"weekly short", TriggerSpec{Time: "09:30", DayOfWeek: "Wed"}, KindWeekly, "weekly wed 09:30"},
		{"weekly number", TriggerSpec{Time: "09:30", DayOfWeek: "0"}, KindWeekly, "weekly sun 09:30"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := mustTrigger(t, tc.in)
			if tr.Kind != tc.kind || tr.String() != tc.str {
				t.Fatalf("got %s %q, want %s %q", tr.Kind, tr.String(), tc.kind, tc.str)
			}
		})
	}
}

func TestParseTriggerRejects(t *testing.T) {
	t.Parallel()
	bad := []TriggerSpec{
		{},
		{Time: "24:00"},
		{Time: "8:0"},
		{Time: "08:60"},
		{Time: "noon"},
		{DayOfWeek: "sun"},
		{Time: "08:00", DayOfWeek: "7"},
		{Time: "08:00", DayOfWeek: "someday"},
		{IntervalHours: -1},
		{IntervalHours: 1, Interval: time.Hour},
		{IntervalHours: 6, Time: "08:00"},
		{Interval: time.Millisecond},
	}
	for _, ts := range bad {
		if _, err := ParseTrigger(ts); !errors.Is(err, ErrInvalidTrigger) {
			t.Fatalf("ParseTrigger(%+v) err = %v, want ErrInvalidTrigger", ts, err)
		}
	}
}

func TestDailyMissedFireIsNotReplayed(t *testing.T) {
	t.Parallel()
	tr := mustTrigger(t, TriggerSpec{Time: "08:00"})
	start := time.Date(2024, 3, 4, 8, 1, 0, 0, time.UTC)
	want := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	if got := tr.Next(start); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
	before := time.Date(2024, 3, 4, 7, 59, 0, 0, time.UTC)
	if got := tr.Next(before); !got.Equal(time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next before = %v", got)
	}
}

func TestWeeklyNext(t *testing.T) {
	t.Parallel()
	tr := mustTrigger(t, TriggerSpec{Time: "23:59", DayOfWeek: "sun"})
	// Wednesday.
	from := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)
	want := time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)
	if got := tr.Next(from); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
	if got := tr.Next(want); !got.Equal(want.AddDate(0, 0, 7)) {
		t.Fatalf("Next after fire = %v", got)
	}
}

func TestAnchoredScheduleSkipsDowntime(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := anchoredSchedule{anchor: anchor, every: 6 * time.Hour}

	if got := s.Next(anchor); !got.Equal(anchor.Add(6 * time.Hour)) {
		t.Fatalf("Next(anchor) = %v", got)
	}
	// 20h of downtime: next fire is the next grid point, not a backlog.
	if got := s.Next(anchor.Add(20 * time.Hour)); !got.Equal(anchor.Add(24 * time.Hour)) {
		t.Fatalf("Next after downtime = %v", got)
	}
}

type memFires struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func (m *memFires) LastFire(_ context.Context, job string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.last[job]
	return t, ok, nil
}

func (m *memFires) PutLastFire(_ context.Context, job string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[job] = at
	return nil
}

func TestRegisterRejectsDuplicatesAndInvalid(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	h := func(context.Context) error { return nil }
	tr := mustTrigger(t, TriggerSpec{IntervalHours: 6})

	if err := s.Register("cleanup_temp", tr, h); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("cleanup_temp", tr, h); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("duplicate err = %v", err)
	}
	if err := s.Register("other", Trigger{}, h); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("invalid err = %v", err)
	}
	if _, err := s.Next("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown err = %v", err)
	}
}

func TestIntervalAnchorsAtPersistedFire(t *testing.T) {
	t.Parallel()
	last := time.Now().Add(-time.Hour).Truncate(time.Second)
	fires := &memFires{last: map[string]time.Time{"performance_monitoring": last}}
	s := New(Config{Timezone: "UTC"}, logx.Nop(), fires)
	if err := s.Register("performance_monitoring", mustTrigger(t, TriggerSpec{IntervalHours: 6}), func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	next, err := s.Next("performance_monitoring")
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(last.Add(6 * time.Hour)) {
		t.Fatalf("Next = %v, want %v", next, last.Add(6*time.Hour))
	}
	if prev, _ := s.Prev("performance_monitoring"); !prev.Equal(last) {
		t.Fatalf("Prev = %v, want %v", prev, last)
	}
}

func TestFireRecordsAndCountsSkips(t *testing.T) {
	t.Parallel()
	fires := &memFires{last: map[string]time.Time{}}
	s := New(Config{}, logx.Nop(), fires)
	fixed := time.Date(2024, 5, 1, 8, 0, 0, 0, time.Local)
	s.now = func() time.Time { return fixed }

	calls := 0
	busy := false
	h := func(context.Context) error {
		calls++
		if busy {
			return engine.ErrOverlapSkip
		}
		busy = true
		return nil
	}
	if err := s.Register("daily_pipeline", mustTrigger(t, TriggerSpec{Time: "08:00"}), h); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.fire("daily_pipeline")
	s.fire("daily_pipeline")

	if calls != 2 {
		t.Fatalf("handler calls = %d", calls)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Fires != 2 || snap[0].Skips != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !snap[0].Prev.Equal(fixed) {
		t.Fatalf("Prev = %v", snap[0].Prev)
	}
	if at, ok, _ := fires.LastFire(context.Background(), "daily_pipeline"); !ok || !at.Equal(fixed) {
		t.Fatalf("last fire not persisted: %v %v", at, ok)
	}
}

func TestNextBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop(), nil)
	s.now = func() time.Time { return time.Date(2024, 3, 4, 8, 1, 0, 0, time.UTC) }
	if err := s.Register("daily_pipeline", mustTrigger(t, TriggerSpec{Time: "08:00"}), func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	next, err := s.Next("daily_pipeline")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
}

func TestIntervalNextBeforeStartUsesPersistedFire(t *testing.T) {
	t.Parallel()
	last := time.Date(2024, 3, 4, 5, 0, 0, 0, time.UTC)
	fires := &memFires{last: map[string]time.Time{"cleanup_temp": last}}
	s := New(Config{Timezone: "UTC"}, logx.Nop(), fires)
	s.now = func() time.Time { return time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC) }
	if err := s.Register("cleanup_temp", mustTrigger(t, TriggerSpec{IntervalHours: 6}), func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	next, err := s.Next("cleanup_temp")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 3, 4, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}
	if prev, _ := s.Prev("cleanup_temp"); !prev.Equal(last) {
		t.Fatalf("Prev = %v, want %v", prev, last)
	}
}

func TestIntervalNextBeforeStartIsStable(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop(), &memFires{last: map[string]time.Time{}})
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	if err := s.Register("performance_monitoring", mustTrigger(t, TriggerSpec{IntervalHours: 6}), func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	first, _ := s.Next("performance_monitoring")
	now = now.Add(3 * time.Millisecond)
	second, _ := s.Next("performance_monitoring")
	if !first.Equal(second) {
		t.Fatalf("Next drifted: %v then %v", first, second)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || !snap[0].Next.Equal(first) {
		t.Fatalf("snapshot = %+v, want next %v", snap, first)
	}
}
