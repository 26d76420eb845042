// Package pipeline runs the external publishing pipeline as a child process.
//
// The pipeline owns video acquisition, editing, text generation and upload.
// This package only starts it, tells it which text-generation mode to use and
// maps its exit status onto the job engine's error taxonomy.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"autopost/internal/task/engine"
	logx "autopost/pkg/logx"
)

// Modes passed to the pipeline in AUTOPOST_MODE.
const (
	ModeNormal   = "normal"
	ModeFallback = "fallback"
)

const (
	// ExitTempFail is sysexits EX_TEMPFAIL; the run is retried.
	ExitTempFail = 75
	// ExitConfig is sysexits EX_CONFIG; the run is not retried.
	ExitConfig = 78

	defaultQuotaExit = 3
	tailLines        = 20
)

var ErrNotConfigured = errors.New("pipeline command not configured")

type Config struct {
	Command []string
	Dir     string
	Env     map[string]string
	// Timeout bounds one invocation; 0 leaves it to the caller's context.
	Timeout       time.Duration
	ProbeCommand  []string
	QuotaExitCode int
}

// Runner starts pipeline processes. Concurrent Run calls are allowed; the job
// engine already keeps one run per job in flight.
type Runner struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	lastTail []string
}

func New(cfg Config, log logx.Logger) *Runner {
	if cfg.QuotaExitCode <= 0 {
		cfg.QuotaExitCode = defaultQuotaExit
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg, log: log}
}

// Configured reports whether a pipeline command is set.
func (r *Runner) Configured() bool { return len(r.cfg.Command) > 0 }

// CanProbe reports whether a quota probe command is set.
func (r *Runner) CanProbe() bool { return len(r.cfg.ProbeCommand) > 0 }

// LastOutput returns the tail of the most recent run's combined output.
func (r *Runner) LastOutput() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lastTail...)
}

// Run executes the pipeline once in the given mode.
func (r *Runner) Run(ctx context.Context, mode string) error {
	if !r.Configured() {
		return engine.NoRetry(ErrNotConfigured)
	}
	start := time.Now()
	tail, err := r.exec(ctx, r.cfg.Command, mode)

	r.mu.Lock()
	r.lastTail = tail
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("pipeline run failed",
			logx.String("mode", mode),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
			logx.String("output", strings.Join(tail, "\n")),
		)
		return err
	}
	r.log.Info("pipeline run finished", logx.String("mode", mode), logx.Duration("took", time.Since(start)))
	return nil
}

// Probe runs the probe command. A nil error means the quota is available.
func (r *Runner) Probe(ctx context.Context) error {
	if !r.CanProbe() {
		return ErrNotConfigured
	}
	_, err := r.exec(ctx, r.cfg.ProbeCommand, ModeNormal)
	return err
}

func (r *Runner) exec(ctx context.Context, argv []string, mode string) ([]string, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = append(os.Environ(), r.env(mode)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// children that inherit the output pipe must not hold Wait past cancellation
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	tail := lastLines(out.Bytes(), tailLines)
	if err == nil {
		return tail, nil
	}
	if ctx.Err() != nil {
		return tail, engine.Transient(fmt.Errorf("%s: %w", argv[0], ctx.Err()))
	}
	return tail, r.classify(argv[0], err)
}

func (r *Runner) env(mode string) []string {
	keys := make([]string, 0, len(r.cfg.Env))
	for k := range r.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		env = append(env, k+"="+r.cfg.Env[k])
	}
	return append(env, "AUTOPOST_MODE="+mode)
}

func (r *Runner) classify(name string, err error) error {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		// not started at all (missing binary, bad dir)
		return engine.NoRetry(fmt.Errorf("%s: %w", name, err))
	}
	code := ee.ExitCode()
	wrapped := fmt.Errorf("%s exited with status %d", name, code)
	switch code {
	case r.cfg.QuotaExitCode:
		return engine.QuotaExceeded(wrapped)
	case ExitTempFail:
		return engine.Transient(wrapped)
	case ExitConfig:
		return engine.NoRetry(wrapped)
	default:
		return wrapped
	}
}

func lastLines(b []byte, n int) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}
