// Package cleanup removes stale temporary files left behind by the pipeline.
package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	logx "autopost/pkg/logx"
)

type Config struct {
	Dirs     []string
	Patterns []string
	// MaxAge is the minimum age (by modification time) of a removed file.
	MaxAge time.Duration
}

// Result summarizes one sweep.
type Result struct {
	Matched int   `json:"matched"`
	Removed int   `json:"removed"`
	Bytes   int64 `json:"bytes"`
	Failed  int   `json:"failed"`
}

type Cleaner struct {
	cfg Config
	log logx.Logger
	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Cleaner {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cleaner{cfg: cfg, log: log, now: time.Now}
}

// Sweep deletes regular files matching any pattern directly inside any
// directory that are older than MaxAge. Missing directories are ignored and a
// file that cannot be removed is logged and counted, never fatal.
func (c *Cleaner) Sweep(ctx context.Context) (Result, error) {
	var res Result
	cutoff := c.now().Add(-c.cfg.MaxAge)
	seen := map[string]struct{}{}

	for _, dir := range c.cfg.Dirs {
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		for _, pattern := range c.cfg.Patterns {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			matches, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return res, err
			}
			for _, path := range matches {
				if _, dup := seen[path]; dup {
					continue
				}
				seen[path] = struct{}{}
				c.visit(path, cutoff, &res)
			}
		}
	}

	c.log.Info("temp cleanup finished",
		logx.Int("removed", res.Removed),
		logx.Int("failed", res.Failed),
		logx.Float64("freed_mb", float64(res.Bytes)/1024/1024),
	)
	return res, nil
}

func (c *Cleaner) visit(path string, cutoff time.Time, res *Result) {
	fi, err := os.Lstat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return
	}
	res.Matched++
	if !fi.ModTime().Before(cutoff) {
		return
	}
	if err := os.Remove(path); err != nil {
		res.Failed++
		c.log.Warn("could not delete temp file", logx.String("path", path), logx.Err(err))
		return
	}
	res.Removed++
	res.Bytes += fi.Size()
	c.log.Debug("deleted temp file", logx.String("path", path))
}
