package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zapdrip/zapdrip/internal/metrics"
	"github.com/zapdrip/zapdrip/internal/models"
	"github.com/zapdrip/zapdrip/internal/statestore"
)

// Config contains relay configuration
type Config struct {
	CollectorURL  string        `yaml:"collector_url,omitempty"`
	WorkspaceKey  string        `yaml:"workspace_key,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Relay queues telemetry events and pushes them to the remote collector
// on a best effort basis. A dead collector never blocks a send, events
// just pile up in the store until they age out or get evicted.
type Relay struct {
	store      *statestore.Store
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	flushMu sync.Mutex
}

// New creates a relay. An empty collector URL disables pushing, events
// still queue locally for inspection.
func New(store *statestore.Store, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Minute
	}
	return &Relay{
		store:   store,
		config:  cfg,
		metrics: m,
		logger:  logger.With("component", "relay"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Enabled reports whether a collector is configured.
func (r *Relay) Enabled() bool {
	return r.config.CollectorURL != ""
}

// Enqueue stores one event and opportunistically flushes the queue. It
// never returns a delivery error, only a storage one.
func (r *Relay) Enqueue(ev *models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.QueuedAt.IsZero() {
		ev.QueuedAt = time.Now()
	}

	if err := r.store.EnqueueEvent(ev); err != nil {
		return fmt.Errorf("queue event: %w", err)
	}
	r.updateDepth()

	if r.config.CollectorURL != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
			defer cancel()
			r.Flush(ctx)
		}()
	}
	return nil
}

// Flush pushes the whole queue to the collector as one batch. On
// success the queue is cleared, on any failure it is left intact for a
// later retry. Only one flush runs at a time.
func (r *Relay) Flush(ctx context.Context) error {
	if r.config.CollectorURL == "" {
		return nil
	}

	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	events, err := r.store.PeekEvents(0)
	if err != nil {
		return fmt.Errorf("read event queue: %w", err)
	}
	if len(events) == 0 {
		r.updateDepth()
		return nil
	}

	if err := r.push(ctx, events); err != nil {
		r.metrics.IncFlushFailed()
		r.updateDepth()
		r.logger.Warn("event flush failed, keeping queue", "queued", len(events), "error", err)
		return err
	}

	if err := r.store.DeleteEvents(events); err != nil {
		return fmt.Errorf("drop relayed events: %w", err)
	}
	r.metrics.AddEventsRelayed(len(events))
	r.logger.Debug("events relayed", "count", len(events))
	r.updateDepth()
	return nil
}

// Run periodically retries the flush until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	if r.config.CollectorURL == "" {
		return
	}

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

type pushRequest struct {
	Events []*models.Event `json:"events"`
}

type pushResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r *Relay) push(ctx context.Context, events []*models.Event) error {
	data, err := json.Marshal(&pushRequest{Events: events})
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.CollectorURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workspace-Key", r.config.WorkspaceKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("collector HTTP %d", resp.StatusCode)
	}

	var result pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("collector rejected batch: %s", result.Error)
	}
	return nil
}

func (r *Relay) updateDepth() {
	if count, err := r.store.EventCount(); err == nil {
		r.metrics.SetEventQueueDepth(count)
	}
}
