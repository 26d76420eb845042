package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "autopost/pkg/logx"
)

func touch(t *testing.T, path string, size int, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestSweepRemovesOnlyOldMatches(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	touch(t, filepath.Join(dir, "a.tmp"), 10, old)
	touch(t, filepath.Join(dir, "temp-audio.mp3"), 20, old)
	touch(t, filepath.Join(dir, "fresh.tmp"), 5, now)
	touch(t, filepath.Join(dir, "keep.mp4"), 5, old)
	if err := os.Mkdir(filepath.Join(dir, "sub.tmp"), 0o755); err != nil {
		t.Fatal(err)
	}

	c := New(Config{
		Dirs:     []string{dir, filepath.Join(dir, "missing")},
		Patterns: []string{"*.tmp", "temp-audio.*", "*temp*"},
		MaxAge:   24 * time.Hour,
	}, logx.Nop())

	res, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Removed != 2 || res.Bytes != 30 {
		t.Fatalf("result = %+v", res)
	}
	if res.Matched != 3 {
		t.Fatalf("matched = %d, want 3 (duplicates across patterns counted once)", res.Matched)
	}
	for _, name := range []string{"fresh.tmp", "keep.mp4", "sub.tmp"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("%s should remain: %v", name, err)
		}
	}
}

func TestSweepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Config{Dirs: []string{t.TempDir()}, Patterns: []string{"*"}}, logx.Nop())
	if _, err := c.Sweep(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
