package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"autopost/internal/app"
	"autopost/internal/fallback"
	"autopost/internal/storage"
	"autopost/internal/task/engine"
	logx "autopost/pkg/logx"
)

type handler struct {
	b   Backend
	log logx.Logger
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.b.Status(r.Context()))
}

func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.b.Schedule())
}

func (h *handler) executions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := h.b.Executions(r.Context(), r.URL.Query().Get("job"), limit)
	if err != nil {
		h.log.Warn("execution history read failed", logx.Err(err))
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handler) fallbackState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.b.FallbackState())
}

func (h *handler) notifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.b.Notifications())
}

// runJob queues a manual run; ?wait=true runs it synchronously and returns
// the result.
func (h *handler) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		res, err := h.b.RunJob(r.Context(), name)
		if err != nil {
			h.jobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	if err := h.b.ForceRun(name); err != nil {
		h.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": name, "queued": true})
}

func (h *handler) jobError(w http.ResponseWriter, err error) {
	var cerr *engine.ConfigurationError
	switch {
	case errors.Is(err, app.ErrUnknownJob):
		http.Error(w, "unknown job", http.StatusNotFound)
	case errors.As(err, &cerr):
		http.Error(w, cerr.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrOverlapSkip):
		http.Error(w, "job already running", http.StatusConflict)
	case errors.Is(err, engine.ErrQueueFull):
		http.Error(w, "queue full", http.StatusTooManyRequests)
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrDisabled):
		http.Error(w, "engine not running", http.StatusServiceUnavailable)
	default:
		h.log.Warn("manual run failed", logx.Err(err))
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}

func (h *handler) probe(w http.ResponseWriter, r *http.Request) {
	ok, err := h.b.ProbeFallback(r.Context())
	switch {
	case errors.Is(err, fallback.ErrNoProber):
		http.Error(w, "no quota probe configured", http.StatusNotImplemented)
		return
	case errors.Is(err, fallback.ErrProbeInFlight):
		http.Error(w, "probe already running", http.StatusConflict)
		return
	}
	resp := map[string]any{"recovered": ok, "mode": h.b.FallbackState().Mode}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type reasonReq struct {
	Reason string `json:"reason"`
}

func decodeReason(r *http.Request) (string, error) {
	if r.ContentLength == 0 {
		return "", nil
	}
	var req reasonReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", err
	}
	return strings.TrimSpace(req.Reason), nil
}

func (h *handler) activate(w http.ResponseWriter, r *http.Request) {
	reason, err := decodeReason(r)
	if err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	changed := h.b.ActivateFallback(reason)
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "mode": h.b.FallbackState().Mode})
}

func (h *handler) deactivate(w http.ResponseWriter, r *http.Request) {
	reason, err := decodeReason(r)
	if err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	changed := h.b.DeactivateFallback(reason)
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "mode": h.b.FallbackState().Mode})
}

type trackItemReq struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	PublishedAt *string `json:"published_at"` // RFC3339 optional
}

func (h *handler) trackItem(w http.ResponseWriter, r *http.Request) {
	var req trackItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	it := storage.Item{ID: strings.TrimSpace(req.ID), Title: strings.TrimSpace(req.Title)}
	if req.PublishedAt != nil && strings.TrimSpace(*req.PublishedAt) != "" {
		t, err := time.Parse(time.RFC3339, *req.PublishedAt)
		if err != nil {
			http.Error(w, "invalid published_at (RFC3339)", http.StatusBadRequest)
			return
		}
		it.PublishedAt = t
	}
	if err := h.b.TrackItem(r.Context(), it); err != nil {
		if errors.Is(err, app.ErrInvalidItem) {
			http.Error(w, "id required", http.StatusBadRequest)
			return
		}
		h.log.Warn("track item failed", logx.String("item", it.ID), logx.Err(err))
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": it.ID})
}
