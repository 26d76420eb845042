package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const memMaxExecutions = 10000

// Memory is an in-process Store. It also backs the file driver as its read model.
type Memory struct {
	mu sync.RWMutex

	closed     bool
	executions []ExecutionRecord
	items      map[string]Item
	samples    map[string][]Sample // per item, captured_at ascending
	fallback   *FallbackState
	fires      map[string]time.Time
	dedup      map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		items:   map[string]Item{},
		samples: map[string][]Sample{},
		fires:   map[string]time.Time{},
		dedup:   map[string]time.Time{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendExecution(_ context.Context, r ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.appendExecutionLocked(r)
	return nil
}

func (m *Memory) appendExecutionLocked(r ExecutionRecord) {
	m.executions = append(m.executions, r)
	if over := len(m.executions) - memMaxExecutions; over > 0 {
		m.executions = append([]ExecutionRecord(nil), m.executions[over:]...)
	}
}

func (m *Memory) RecentExecutions(_ context.Context, job string, limit int) ([]ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]ExecutionRecord, 0, min(limit, len(m.executions)))
	for i := len(m.executions) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.executions[i]
		if job != "" && r.JobName != job {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) UpsertItem(_ context.Context, it Item) error {
	it.ID = strings.TrimSpace(it.ID)
	if it.ID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items[it.ID] = it
	return nil
}

func (m *Memory) ListItems(_ context.Context, since time.Time) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		if !since.IsZero() && it.PublishedAt.Before(since) {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.Before(out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) AppendSample(_ context.Context, s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.appendSampleLocked(s)
	return nil
}

func (m *Memory) appendSampleLocked(s Sample) {
	list := m.samples[s.ItemID]
	i := sort.Search(len(list), func(i int) bool { return !list[i].CapturedAt.Before(s.CapturedAt) })
	if i < len(list) && list[i].CapturedAt.Equal(s.CapturedAt) {
		return
	}
	list = append(list, Sample{})
	copy(list[i+1:], list[i:])
	list[i] = s
	m.samples[s.ItemID] = list
}

func (m *Memory) LatestSample(_ context.Context, itemID string) (Sample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.samples[itemID]
	if len(list) == 0 {
		return Sample{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (m *Memory) QuerySamples(_ context.Context, start, end time.Time) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sample
	for _, list := range m.samples {
		for _, s := range list {
			if s.CapturedAt.Before(start) || !s.CapturedAt.Before(end) {
				continue
			}
			out = append(out, s)
		}
	}
	SortSamples(out)
	return out, nil
}

// SortSamples orders samples by captured_at, then item_id.
func SortSamples(s []Sample) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].CapturedAt.Equal(s[j].CapturedAt) {
			return s[i].CapturedAt.Before(s[j].CapturedAt)
		}
		return s[i].ItemID < s[j].ItemID
	})
}

func (m *Memory) LoadFallbackState(context.Context) (FallbackState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fallback == nil {
		return FallbackState{}, false, nil
	}
	return *m.fallback, true, nil
}

func (m *Memory) SaveFallbackState(_ context.Context, st FallbackState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.fallback = &st
	return nil
}

func (m *Memory) LastFire(_ context.Context, job string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.fires[job]
	return t, ok, nil
}

func (m *Memory) PutLastFire(_ context.Context, job string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.fires[job] = at
	return nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.dedup[strings.TrimSpace(key)]
	return t, ok, nil
}

func (m *Memory) pruneDedupLocked(now time.Time) {
	for k, v := range m.dedup {
		if v.Before(now) {
			delete(m.dedup, k)
		}
	}
}
