// Package httpapi is the status and control surface used by GUI and CLI
// front ends.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"autopost/internal/app"
	"autopost/internal/fallback"
	"autopost/internal/notifier"
	"autopost/internal/storage"
	"autopost/internal/task/engine"
	"autopost/internal/task/scheduler"
	logx "autopost/pkg/logx"
)

// Backend is the process the API controls. *app.App implements it.
type Backend interface {
	Status(ctx context.Context) app.Status
	Schedule() []scheduler.ScheduleInfo
	Executions(ctx context.Context, job string, limit int) ([]storage.ExecutionRecord, error)
	ForceRun(name string) error
	RunJob(ctx context.Context, name string) (engine.Result, error)
	FallbackState() fallback.State
	ProbeFallback(ctx context.Context) (bool, error)
	ActivateFallback(reason string) bool
	DeactivateFallback(reason string) bool
	Notifications() []notifier.HistoryItem
	TrackItem(ctx context.Context, it storage.Item) error
}

var _ Backend = (*app.App)(nil)

type Options struct {
	// JWTSecret guards the POST endpoints when set.
	JWTSecret      string
	AllowedOrigins []string
	Pprof          bool
	Log            logx.Logger
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
}

func NewRouter(b Backend, opts Options) http.Handler {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	h := &handler{b: b, log: opts.Log}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(corsHandler(opts.AllowedOrigins))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", h.status)
	r.Get("/schedule", h.schedule)
	r.Get("/executions", h.executions)
	r.Get("/fallback", h.fallbackState)
	r.Get("/notifications", h.notifications)

	r.Group(func(r chi.Router) {
		if opts.JWTSecret != "" {
			r.Use(RequireAuth(NewJWT(opts.JWTSecret)))
		}
		r.Post("/jobs/{name}/run", h.runJob)
		r.Post("/fallback/probe", h.probe)
		r.Post("/fallback/activate", h.activate)
		r.Post("/fallback/deactivate", h.deactivate)
		r.Post("/items", h.trackItem)
		if opts.Pprof {
			r.Mount("/debug", chimw.Profiler())
		}
	})
	return r
}

// NewServer wraps the router in an http.Server with conservative timeouts.
// Synchronous job runs can take long, so there is no write timeout.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
