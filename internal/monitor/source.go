package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnavailable  = errors.New("metrics source unavailable")
	ErrUnknownItem  = errors.New("item not found in metrics source")
	ErrPassInFlight = errors.New("poll pass already running")
)

// Metrics is one observation returned by a MetricsSource.
type Metrics struct {
	Views    int64    `json:"views"`
	Likes    int64    `json:"likes"`
	Comments int64    `json:"comments"`
	CTR      float64  `json:"ctr"`
	Revenue  *float64 `json:"estimated_revenue,omitempty"`
}

// MetricsSource is the video-hosting analytics collaborator.
type MetricsSource interface {
	Available() bool
	FetchMetrics(ctx context.Context, itemID string) (Metrics, error)
}

// NewSource picks a source from a config string: empty means unavailable,
// an http(s) URL selects HTTPSource, anything else is a JSON feed file.
func NewSource(spec string, timeout time.Duration) MetricsSource {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return Unavailable{}
	case strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
		return &HTTPSource{BaseURL: strings.TrimRight(spec, "/"), Client: &http.Client{Timeout: timeout}}
	default:
		return &FileSource{Path: spec}
	}
}

// Unavailable is the source used when no analytics access is configured.
type Unavailable struct{}

func (Unavailable) Available() bool { return false }
func (Unavailable) FetchMetrics(context.Context, string) (Metrics, error) {
	return Metrics{}, ErrUnavailable
}

// FileSource reads a JSON feed of the form {"items": {"<id>": {...metrics}}}.
// The file is re-read when its modification time changes.
type FileSource struct {
	Path string

	mu    sync.Mutex
	mtime time.Time
	items map[string]Metrics
}

func (f *FileSource) Available() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

func (f *FileSource) FetchMetrics(ctx context.Context, itemID string) (Metrics, error) {
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}
	fi, err := os.Stat(f.Path)
	if err != nil {
		return Metrics{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items == nil || !fi.ModTime().Equal(f.mtime) {
		b, err := os.ReadFile(f.Path)
		if err != nil {
			return Metrics{}, err
		}
		var doc struct {
			Items map[string]Metrics `json:"items"`
		}
		if err := json.Unmarshal(b, &doc); err != nil {
			return Metrics{}, fmt.Errorf("metrics feed %s: %w", f.Path, err)
		}
		f.items, f.mtime = doc.Items, fi.ModTime()
	}
	m, ok := f.items[itemID]
	if !ok {
		return Metrics{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	return m, nil
}

// HTTPSource fetches GET <BaseURL>/<itemID> returning a Metrics document.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

func (h *HTTPSource) Available() bool { return h.BaseURL != "" }

func (h *HTTPSource) FetchMetrics(ctx context.Context, itemID string) (Metrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/"+url.PathEscape(itemID), nil)
	if err != nil {
		return Metrics{}, err
	}
	req.Header.Set("Accept", "application/json")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Metrics{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Metrics{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	case resp.StatusCode/100 != 2:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Metrics{}, fmt.Errorf("metrics %s: status %d", itemID, resp.StatusCode)
	}
	var m Metrics
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&m); err != nil {
		return Metrics{}, fmt.Errorf("metrics %s: %w", itemID, err)
	}
	return m, nil
}
