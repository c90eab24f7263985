// Package telemetry batches coordinator anomalies and errors and ships them
// to the telemetry collector.
// All methods are nil-safe: a nil *Reporter is a no-op.
package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Entry represents a single event to report to the collector.
type Entry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Source    string         `json:"source"`
	SessionID string         `json:"sessionId,omitempty"`
	AgentKind string         `json:"agentKind,omitempty"`
	Timestamp string         `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// Config holds configuration for the telemetry reporter.
type Config struct {
	FlushInterval time.Duration // How often to flush queued entries (default: 30s)
	MaxBatchSize  int           // Immediate flush threshold (default: 10)
	MaxQueueSize  int           // Maximum queued entries before dropping (default: 100)
	HTTPTimeout   time.Duration // HTTP POST timeout (default: 10s)
}

// Reporter batches and sends telemetry entries to the collector.
// Methods on a nil *Reporter are safe to call and simply no-op.
type Reporter struct {
	baseURL   string
	authToken string
	config    Config
	client    *http.Client

	mu    sync.Mutex
	queue []Entry
	stopC chan struct{}
	doneC chan struct{}
}

// New creates a Reporter with the given configuration.
func New(baseURL, authToken string, cfg Config) *Reporter {
	// Apply defaults
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	return &Reporter{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		config:    cfg,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		queue:     make([]Entry, 0, cfg.MaxBatchSize),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (r *Reporter) Start() {
	if r == nil {
		return
	}
	go r.flushLoop()
}

// Shutdown flushes any remaining entries and stops the background goroutine.
func (r *Reporter) Shutdown() {
	if r == nil {
		return
	}
	close(r.stopC)
	<-r.doneC
}

// Report queues an entry for batched sending.
// If the queue reaches MaxBatchSize, a flush is triggered immediately.
func (r *Reporter) Report(entry Entry) {
	if r == nil {
		return
	}

	// Auto-enrich timestamp if empty
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	r.mu.Lock()
	if len(r.queue) >= r.config.MaxQueueSize {
		r.mu.Unlock()
		slog.Warn("telemetry: queue full, dropping entry", "maxQueueSize", r.config.MaxQueueSize, "message", entry.Message)
		return
	}
	r.queue = append(r.queue, entry)
	shouldFlush := len(r.queue) >= r.config.MaxBatchSize
	r.mu.Unlock()

	if shouldFlush {
		go r.flush()
	}
}

// ReportError is a convenience method that creates an Entry from an error.
func (r *Reporter) ReportError(err error, source, sessionID string, ctx map[string]any) {
	if r == nil {
		return
	}

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	r.Report(Entry{
		Level:     "error",
		Message:   msg,
		Source:    source,
		SessionID: sessionID,
		Context:   ctx,
	})
}

// ReportAnomaly records backend misbehavior worth tracking statistically,
// such as timeout text surfacing as assistant content.
func (r *Reporter) ReportAnomaly(message, source, sessionID string, ctx map[string]any) {
	if r == nil {
		return
	}
	r.Report(Entry{
		Level:     "anomaly",
		Message:   message,
		Source:    source,
		SessionID: sessionID,
		Context:   ctx,
	})
}

// ReportInfo is a convenience method for info-level lifecycle events.
func (r *Reporter) ReportInfo(message, source string, ctx map[string]any) {
	if r == nil {
		return
	}
	r.Report(Entry{
		Level:   "info",
		Message: message,
		Source:  source,
		Context: ctx,
	})
}

// flushLoop runs the periodic flush in the background.
func (r *Reporter) flushLoop() {
	defer close(r.doneC)

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopC:
			// Final flush before stopping
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

// flush sends all queued entries to the collector.
func (r *Reporter) flush() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	// Swap out the queue
	batch := r.queue
	r.queue = make([]Entry, 0, r.config.MaxBatchSize)
	r.mu.Unlock()

	r.send(batch)
}

// send POSTs a batch of entries to the collector.
func (r *Reporter) send(entries []Entry) {
	payload := map[string]any{
		"events": entries,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("telemetry: failed to marshal entries", "error", err)
		return
	}

	url := r.baseURL + "/api/telemetry/events"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("telemetry: failed to create request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Error("telemetry: failed to send entries", "count", len(entries), "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("telemetry: collector returned non-OK status", "statusCode", resp.StatusCode, "count", len(entries))
	}
}
