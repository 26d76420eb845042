package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

type fakeSource struct {
	metrics map[string]Metrics
	fail    map[string]bool
	calls   []time.Time
}

func (f *fakeSource) Available() bool { return true }

func (f *fakeSource) FetchMetrics(_ context.Context, id string) (Metrics, error) {
	f.calls = append(f.calls, time.Now())
	if f.fail[id] {
		return Metrics{}, errors.New("api 500")
	}
	return f.metrics[id], nil
}

func seed(t *testing.T, mem *storage.Memory, now time.Time, ids ...string) {
	t.Helper()
	for i, id := range ids {
		if err := mem.UpsertItem(context.Background(), storage.Item{ID: id, PublishedAt: now.Add(-time.Duration(i+1) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPollSkipsFailedItems(t *testing.T) {
	mem := storage.NewMemory()
	now := time.Now()
	seed(t, mem, now, "a", "b", "c")
	src := &fakeSource{
		metrics: map[string]Metrics{"a": {Views: 100, Likes: 10}, "c": {Views: 300, Comments: 3}},
		fail:    map[string]bool{"b": true},
	}
	p := New(Config{}, src, mem, mem, logx.Nop(), nil)

	res, err := p.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 || res.Updated != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.SuccessRate != 66.67 {
		t.Fatalf("success rate = %v", res.SuccessRate)
	}
	if _, ok, _ := mem.LatestSample(context.Background(), "b"); ok {
		t.Fatalf("failed item got a sample")
	}
	if last, ok := p.Last(); !ok || last.Updated != 2 {
		t.Fatalf("Last = %+v %v", last, ok)
	}
}

func TestPollUnavailableIsNoop(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem, time.Now(), "a")
	p := New(Config{}, nil, mem, mem, logx.Nop(), nil)
	res, err := p.Poll(context.Background())
	if err != nil || !res.Unavailable || res.Updated != 0 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestPollNeverWritesOlderSample(t *testing.T) {
	mem := storage.NewMemory()
	now := time.Now()
	seed(t, mem, now, "a")
	future := now.Add(time.Hour).UTC().Truncate(time.Millisecond)
	if err := mem.AppendSample(context.Background(), storage.Sample{ItemID: "a", CapturedAt: future, Views: 5}); err != nil {
		t.Fatal(err)
	}

	p := New(Config{}, &fakeSource{metrics: map[string]Metrics{"a": {Views: 10}}}, mem, mem, logx.Nop(), nil)
	res, err := p.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 1 || res.Updated != 0 {
		t.Fatalf("result = %+v", res)
	}
	latest, _, _ := mem.LatestSample(context.Background(), "a")
	if !latest.CapturedAt.Equal(future) || latest.Views != 5 {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestPollRespectsMinSpacing(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem, time.Now(), "a", "b", "c")
	src := &fakeSource{metrics: map[string]Metrics{}}
	p := New(Config{MinSpacing: 30 * time.Millisecond}, src, mem, mem, logx.Nop(), nil)
	if _, err := p.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(src.calls) != 3 {
		t.Fatalf("calls = %d", len(src.calls))
	}
	for i := 1; i < len(src.calls); i++ {
		if gap := src.calls[i].Sub(src.calls[i-1]); gap < 25*time.Millisecond {
			t.Fatalf("gap %d = %v, want >= min spacing", i, gap)
		}
	}
}

func TestPollLookbackWindow(t *testing.T) {
	mem := storage.NewMemory()
	now := time.Now()
	_ = mem.UpsertItem(context.Background(), storage.Item{ID: "old", PublishedAt: now.AddDate(0, 0, -10)})
	_ = mem.UpsertItem(context.Background(), storage.Item{ID: "new", PublishedAt: now.AddDate(0, 0, -1)})
	p := New(Config{LookbackDays: 7}, &fakeSource{metrics: map[string]Metrics{}}, mem, mem, logx.Nop(), nil)
	res, _ := p.Poll(context.Background())
	if res.Total != 1 {
		t.Fatalf("total = %d, want only recent items", res.Total)
	}
}

func TestScore(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	pub := now.Add(-24 * time.Hour)
	w := DefaultWeights()

	if er := EngagementRate(0, 3, 2); er != 5 {
		t.Fatalf("engagement with zero views = %v, want 5", er)
	}
	// Hold the engagement rate fixed; the score is monotone in views.
	prev := -1.0
	for _, v := range []int64{100, 1000, 10000, 100000, 1000000} {
		s := Score(storage.Sample{ItemID: "x", Views: v, Likes: v / 20, Comments: v / 100}, pub, w, now)
		if s.ViralScore < prev {
			t.Fatalf("viral score not monotone in views at %d: %v < %v", v, s.ViralScore, prev)
		}
		if s.ViralScore < 0 || s.ViralScore > 100 {
			t.Fatalf("viral score %v out of range", s.ViralScore)
		}
		prev = s.ViralScore
	}
	if prev != 100 {
		t.Fatalf("score not capped at 100: %v", prev)
	}

	fresh := Score(storage.Sample{Views: 100}, now, w, now)
	stale := Score(storage.Sample{Views: 100}, now.AddDate(0, 0, -30), w, now)
	if fresh.ViralScore <= stale.ViralScore {
		t.Fatalf("recency not rewarded: fresh=%v stale=%v", fresh.ViralScore, stale.ViralScore)
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	src := NewSource(path, time.Second)
	if src.Available() {
		t.Fatalf("missing file reported available")
	}
	if err := os.WriteFile(path, []byte(`{"items":{"vid1":{"views":42,"likes":4,"comments":1,"ctr":0.05}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := src.FetchMetrics(context.Background(), "vid1")
	if err != nil || m.Views != 42 || m.CTR != 0.05 {
		t.Fatalf("m=%+v err=%v", m, err)
	}
	if _, err := src.FetchMetrics(context.Background(), "nope"); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vid1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"views":7,"likes":1,"comments":0,"ctr":0.1}`))
	}))
	defer srv.Close()

	src := NewSource(srv.URL+"/", time.Second)
	m, err := src.FetchMetrics(context.Background(), "vid1")
	if err != nil || m.Views != 7 {
		t.Fatalf("m=%+v err=%v", m, err)
	}
	if _, err := src.FetchMetrics(context.Background(), "other"); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("err = %v", err)
	}
	if NewSource("", 0).Available() {
		t.Fatalf("empty source available")
	}
}
