package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "autopost/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.executions.jsonl (append-only JSON Lines)
//   - <prefix>.samples.jsonl    (append-only JSON Lines)
//   - <prefix>.state.json       (items, fallback state, fire times, dedup; rewritten atomically)
//
// Everything is replayed into a Memory store on open, which serves reads.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	mem        *Memory
	execFile   *os.File
	sampleFile *os.File
	statePath  string
}

type fileState struct {
	Items    map[string]Item      `json:"items,omitempty"`
	Fallback *FallbackState       `json:"fallback,omitempty"`
	Fires    map[string]time.Time `json:"fires,omitempty"`
	Dedup    map[string]time.Time `json:"dedup,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := NewMemory()
	execPath := prefix + ".executions.jsonl"
	samplePath := prefix + ".samples.jsonl"
	statePath := prefix + ".state.json"

	if err := replayJSONL(execPath, func(r ExecutionRecord) { mem.appendExecutionLocked(r) }); err != nil {
		log.Warn("executions replay incomplete", logx.Err(err))
	}
	if err := replayJSONL(samplePath, func(s Sample) { mem.appendSampleLocked(s) }); err != nil {
		log.Warn("samples replay incomplete", logx.Err(err))
	}
	if err := loadState(statePath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting empty", logx.Err(err))
	}
	mem.pruneDedupLocked(time.Now())

	ef, err := os.OpenFile(execPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	sf, err := os.OpenFile(samplePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = ef.Close()
		return nil, err
	}

	return &fileStore{
		log:        log,
		mem:        mem,
		execFile:   ef,
		sampleFile: sf,
		statePath:  statePath,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.execFile != nil {
		errs = append(errs, s.execFile.Close())
		s.execFile = nil
	}
	if s.sampleFile != nil {
		errs = append(errs, s.sampleFile.Close())
		s.sampleFile = nil
	}
	_ = s.mem.Close()
	return errors.Join(errs...)
}

func (s *fileStore) AppendExecution(ctx context.Context, r ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.execFile).Encode(r); err != nil {
		return err
	}
	return s.mem.AppendExecution(ctx, r)
}

func (s *fileStore) RecentExecutions(ctx context.Context, job string, limit int) ([]ExecutionRecord, error) {
	return s.mem.RecentExecutions(ctx, job, limit)
}

func (s *fileStore) AppendSample(ctx context.Context, smp Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sampleFile == nil {
		return ErrClosed
	}
	// Replay dedups older collisions; skip the common one early.
	if last, ok, _ := s.mem.LatestSample(ctx, smp.ItemID); ok && last.CapturedAt.Equal(smp.CapturedAt) {
		return nil
	}
	if err := json.NewEncoder(s.sampleFile).Encode(smp); err != nil {
		return err
	}
	return s.mem.AppendSample(ctx, smp)
}

func (s *fileStore) LatestSample(ctx context.Context, itemID string) (Sample, bool, error) {
	return s.mem.LatestSample(ctx, itemID)
}

func (s *fileStore) QuerySamples(ctx context.Context, start, end time.Time) ([]Sample, error) {
	return s.mem.QuerySamples(ctx, start, end)
}

func (s *fileStore) ListItems(ctx context.Context, since time.Time) ([]Item, error) {
	return s.mem.ListItems(ctx, since)
}

func (s *fileStore) LoadFallbackState(ctx context.Context) (FallbackState, bool, error) {
	return s.mem.LoadFallbackState(ctx)
}

func (s *fileStore) LastFire(ctx context.Context, job string) (time.Time, bool, error) {
	return s.mem.LastFire(ctx, job)
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	return s.mem.GetDedup(ctx, key)
}

func (s *fileStore) UpsertItem(ctx context.Context, it Item) error {
	return s.mutateState(func() error { return s.mem.UpsertItem(ctx, it) })
}

func (s *fileStore) SaveFallbackState(ctx context.Context, st FallbackState) error {
	return s.mutateState(func() error { return s.mem.SaveFallbackState(ctx, st) })
}

func (s *fileStore) PutLastFire(ctx context.Context, job string, at time.Time) error {
	return s.mutateState(func() error { return s.mem.PutLastFire(ctx, job, at) })
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	return s.mutateState(func() error { return s.mem.PutDedup(ctx, key, until) })
}

// mutateState applies fn to the read model, then rewrites the snapshot.
func (s *fileStore) mutateState(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFile == nil {
		return ErrClosed
	}
	if err := fn(); err != nil {
		return err
	}
	return s.writeStateLocked()
}

func (s *fileStore) writeStateLocked() error {
	s.mem.mu.Lock()
	s.mem.pruneDedupLocked(time.Now())
	st := fileState{
		Items:    s.mem.items,
		Fallback: s.mem.fallback,
		Fires:    s.mem.fires,
		Dedup:    s.mem.dedup,
	}
	b, err := json.MarshalIndent(st, "", "  ")
	s.mem.mu.Unlock()
	if err != nil {
		return err
	}

	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func loadState(path string, mem *Memory) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	for k, v := range st.Items {
		mem.items[k] = v
	}
	for k, v := range st.Fires {
		mem.fires[k] = v
	}
	for k, v := range st.Dedup {
		mem.dedup[k] = v
	}
	mem.fallback = st.Fallback
	return nil
}

// replayJSONL decodes each line of path into T. Corrupt lines are skipped.
func replayJSONL[T any](path string, apply func(T)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			continue
		}
		apply(v)
	}
	return sc.Err()
}
