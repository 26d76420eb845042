package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autopost/internal/notifier"
	"autopost/internal/storage"
	"autopost/internal/task/engine"
	logx "autopost/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type notes struct {
	mu  sync.Mutex
	got []notifier.Notification
}

func (n *notes) Notify(_ context.Context, x notifier.Notification) error {
	n.mu.Lock()
	n.got = append(n.got, x)
	n.mu.Unlock()
	return errors.New("sink down")
}

func (n *notes) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, x := range n.got {
		out = append(out, x.Kind)
	}
	return out
}

type brokenStore struct{}

func (brokenStore) LoadFallbackState(context.Context) (storage.FallbackState, bool, error) {
	return storage.FallbackState{}, false, errors.New("db offline")
}

func (brokenStore) SaveFallbackState(context.Context, storage.FallbackState) error {
	return errors.New("db offline")
}

func newController(t *testing.T, prober Prober, opts ...Option) (*Controller, *fakeClock, *notes) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	n := &notes{}
	cfg := Config{Enabled: true, Threshold: 2, CheckInterval: 15 * time.Minute, Ceiling: 24 * time.Hour, Notify: true}
	opts = append([]Option{WithClock(clk.Now), WithSink(n)}, opts...)
	return New(cfg, prober, logx.Nop(), opts...), clk, n
}

func TestThresholdActivatesOnce(t *testing.T) {
	c, _, n := newController(t, nil)

	c.RecordQuotaError()
	if c.Mode() != Normal {
		t.Fatalf("mode after 1 error = %s", c.Mode())
	}
	c.RecordQuotaError()
	if c.Mode() != Fallback {
		t.Fatalf("mode after 2 errors = %s", c.Mode())
	}
	st := c.State()
	if st.ConsecutiveQuotaErrors != 0 || st.EnteredFallbackAt == nil {
		t.Fatalf("state = %+v", st)
	}
	c.RecordQuotaError()
	c.RecordQuotaError()
	if k := n.kinds(); len(k) != 1 || k[0] != "fallback_activated" {
		t.Fatalf("notifications = %v", k)
	}
}

func TestSuccessResetsCounter(t *testing.T) {
	c, _, n := newController(t, nil)
	c.RecordQuotaError()
	c.RecordSuccess()
	c.RecordQuotaError()
	if c.Mode() != Normal || c.State().ConsecutiveQuotaErrors != 1 {
		t.Fatalf("state = %+v", c.State())
	}
	if len(n.kinds()) != 0 {
		t.Fatalf("unexpected notifications %v", n.kinds())
	}
}

func TestAttentionWindowExpiresOldErrors(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	c := New(Config{Enabled: true, Threshold: 2, AttentionWindow: time.Hour}, nil, logx.Nop(), WithClock(clk.Now))
	c.RecordQuotaError()
	clk.Advance(2 * time.Hour)
	c.RecordQuotaError()
	if c.Mode() != Normal {
		t.Fatalf("stale error counted toward threshold")
	}
	clk.Advance(time.Minute)
	c.RecordQuotaError()
	if c.Mode() != Fallback {
		t.Fatalf("mode = %s, want FALLBACK", c.Mode())
	}
}

func TestAutoDisabledNeverTransitions(t *testing.T) {
	c := New(Config{Enabled: false, Threshold: 1}, nil, logx.Nop())
	c.RecordQuotaError()
	c.RecordQuotaError()
	if c.Mode() != Normal {
		t.Fatalf("auto fallback disabled but mode = %s", c.Mode())
	}
	if !c.Activate("operator") || c.Mode() != Fallback {
		t.Fatalf("manual activation failed")
	}
}

func TestProbeRecoversImmediately(t *testing.T) {
	healthy := false
	c, clk, n := newController(t, func(context.Context) error {
		if healthy {
			return nil
		}
		return engine.QuotaExceeded(errors.New("429"))
	})
	c.RecordQuotaError()
	c.RecordQuotaError()

	if c.ProbeIfDue(context.Background()) {
		t.Fatalf("probe ran before the check interval")
	}
	clk.Advance(15 * time.Minute)
	if !c.ProbeIfDue(context.Background()) {
		t.Fatalf("probe did not run at the check interval")
	}
	st := c.State()
	if st.Mode != Fallback || st.LastRecoveryCheckAt == nil || !st.LastRecoveryCheckAt.Equal(clk.Now()) {
		t.Fatalf("after failed probe: %+v", st)
	}

	healthy = true
	clk.Advance(15 * time.Minute)
	c.ProbeIfDue(context.Background())
	if c.Mode() != Normal {
		t.Fatalf("mode = %s, want NORMAL right after successful probe", c.Mode())
	}
	if c.State().EnteredFallbackAt != nil {
		t.Fatalf("entered_fallback_at not cleared")
	}
	k := n.kinds()
	if len(k) != 2 || k[1] != "fallback_cleared" {
		t.Fatalf("notifications = %v", k)
	}
}

func TestCeilingForcesProbe(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	c := New(Config{Enabled: true, Threshold: 1, CheckInterval: 48 * time.Hour, Ceiling: 24 * time.Hour}, func(context.Context) error { return nil }, logx.Nop(), WithClock(clk.Now))
	c.RecordQuotaError()

	due, ok := c.nextProbe()
	if !ok || !due.Equal(clk.Now().Add(24*time.Hour)) {
		t.Fatalf("next probe = %v %v, want ceiling", due, ok)
	}
	clk.Advance(24 * time.Hour)
	if !c.ProbeIfDue(context.Background()) || c.Mode() != Normal {
		t.Fatalf("ceiling did not force a probe")
	}
}

func TestProbeNowInNormalOnlyReports(t *testing.T) {
	c, _, n := newController(t, func(context.Context) error { return errors.New("429") })
	ok, err := c.ProbeNow(context.Background())
	if ok || err == nil || c.Mode() != Normal {
		t.Fatalf("ok=%v err=%v mode=%s", ok, err, c.Mode())
	}
	if len(n.kinds()) != 0 {
		t.Fatalf("probe in NORMAL notified")
	}
	if _, err := New(Config{}, nil, logx.Nop()).ProbeNow(context.Background()); !errors.Is(err, ErrNoProber) {
		t.Fatalf("err = %v, want ErrNoProber", err)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	mem := storage.NewMemory()
	c, _, _ := newController(t, nil, WithStore(mem))
	c.RecordQuotaError()
	c.RecordQuotaError()

	restored, _, _ := newController(t, nil, WithStore(mem))
	st := restored.State()
	if st.Mode != Fallback || st.EnteredFallbackAt == nil {
		t.Fatalf("restored = %+v", st)
	}
}

func TestPersistenceFailuresDoNotBlockTransitions(t *testing.T) {
	c, _, n := newController(t, func(context.Context) error { return nil }, WithStore(brokenStore{}))
	c.RecordQuotaError()
	c.RecordQuotaError()
	if c.Mode() != Fallback {
		t.Fatalf("transition blocked by broken store")
	}
	if ok, err := c.ProbeNow(context.Background()); !ok || err != nil {
		t.Fatalf("probe: %v %v", ok, err)
	}
	if c.Mode() != Normal || len(n.kinds()) != 2 {
		t.Fatalf("mode=%s notifications=%v", c.Mode(), n.kinds())
	}
}

func TestGuard(t *testing.T) {
	c, _, _ := newController(t, nil)
	quota := func(context.Context) error { return engine.QuotaExceeded(errors.New("429")) }
	offlineCalls := 0
	offline := func(context.Context) error { offlineCalls++; return nil }

	if err := c.Guard(context.Background(), quota, offline); err != nil {
		t.Fatalf("quota error should fall through to offline: %v", err)
	}
	if err := c.Guard(context.Background(), quota, offline); err != nil {
		t.Fatal(err)
	}
	if c.Mode() != Fallback || offlineCalls != 2 {
		t.Fatalf("mode=%s offline=%d", c.Mode(), offlineCalls)
	}

	primaryCalled := false
	_ = c.Guard(context.Background(), func(context.Context) error { primaryCalled = true; return nil }, offline)
	if primaryCalled {
		t.Fatalf("primary called in FALLBACK")
	}

	boom := errors.New("bad request")
	c.Deactivate("test")
	if err := c.Guard(context.Background(), func(context.Context) error { return boom }, offline); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestProbeLoopRecovers(t *testing.T) {
	recovered := make(chan struct{})
	var once sync.Once
	c := New(Config{Enabled: true, Threshold: 1, CheckInterval: time.Millisecond}, func(context.Context) error {
		once.Do(func() { close(recovered) })
		return nil
	}, logx.Nop())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	c.RecordQuotaError()
	select {
	case <-recovered:
	case <-time.After(3 * time.Second):
		t.Fatalf("probe loop never probed")
	}
	deadline := time.Now().Add(time.Second)
	for c.Mode() != Normal && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Mode() != Normal {
		t.Fatalf("mode = %s", c.Mode())
	}
}

type deliveredTitles struct {
	mu  sync.Mutex
	got []string
}

func (*deliveredTitles) Name() string { return "record" }

func (d *deliveredTitles) Send(_ context.Context, n notifier.Notification) error {
	d.mu.Lock()
	d.got = append(d.got, n.Title)
	d.mu.Unlock()
	return nil
}

func TestRepeatedTransitionsSurviveDedup(t *testing.T) {
	ch := &deliveredTitles{}
	svc := notifier.New(notifier.Config{Enabled: true, RatePerSec: 1000, DedupWindow: time.Hour},
		[]notifier.Channel{ch}, logx.Nop(), nil, storage.NewMemory())
	svc.Start(context.Background())

	c, _, _ := newController(t, nil, WithSink(svc))
	for i := 0; i < 2; i++ {
		if !c.Activate("manual") {
			t.Fatalf("activate %d did not change mode", i)
		}
		if !c.Deactivate("manual") {
			t.Fatalf("deactivate %d did not change mode", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	want := []string{"Fallback activated", "Fallback cleared", "Fallback activated", "Fallback cleared"}
	if len(ch.got) != len(want) {
		t.Fatalf("delivered = %v, want %v", ch.got, want)
	}
	for i := range want {
		if ch.got[i] != want[i] {
			t.Fatalf("delivered = %v, want %v", ch.got, want)
		}
	}
}
