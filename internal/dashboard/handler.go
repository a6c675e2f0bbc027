package dashboard

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/geultto/sheetsync/internal/engine"
)

// Stats counts engine events since the dashboard started.
type Stats struct {
	FlushesCompleted int       `json:"flushes_completed"`
	EntriesFlushed   int       `json:"entries_flushed"`
	FlushFailures    int       `json:"flush_failures"`
	UpdatesDropped   int       `json:"updates_dropped"`
	Pulls            int       `json:"pulls"`
	PullFailures     int       `json:"pull_failures"`
	LogsUploaded     int       `json:"logs_uploaded"`
	Maintenance      int       `json:"maintenance_runs"`
	State            string    `json:"state"`
	LastError        string    `json:"last_error,omitempty"`
	LastErrorAt      time.Time `json:"last_error_at,omitzero"`
}

// Handler turns engine notifications into dashboard messages. It
// implements engine.Notifier.
type Handler struct {
	server *Server
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func newHandler(server *Server, logger *slog.Logger) *Handler {
	return &Handler{
		server: server,
		logger: logger,
		stats:  Stats{State: engine.StateIdle.String()},
	}
}

// Notify implements engine.Notifier.
func (h *Handler) Notify(kind string, data any) {
	failure := h.record(kind, data)

	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal event", "kind", kind, "error", err)
		payload = nil
	}
	h.server.Broadcast(Message{
		Type:      MessageType(kind),
		Timestamp: time.Now(),
		Data:      payload,
	})

	if failure {
		h.broadcastStats()
	}
}

// record updates the counters and reports whether kind is a failure.
func (h *Handler) record(kind string, data any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	failure := false
	switch kind {
	case engine.EventFlushCompleted:
		h.stats.FlushesCompleted++
		if r, ok := data.(*engine.FlushReport); ok {
			h.stats.EntriesFlushed += r.Flushed()
		}
	case engine.EventFlushFailed:
		h.stats.FlushFailures++
		failure = true
		if r, ok := data.(engine.QueueResult); ok {
			h.fail(r.Error)
		}
	case engine.EventUpdateDropped:
		h.stats.UpdatesDropped++
		failure = true
	case engine.EventPullCompleted:
		h.stats.Pulls++
	case engine.EventPullFailed:
		h.stats.PullFailures++
		failure = true
		h.fail("pull failed")
	case engine.EventLogsUploaded:
		h.stats.LogsUploaded++
	case engine.EventMaintenanceDone:
		h.stats.Maintenance++
	case engine.EventMaintenanceError:
		failure = true
		if m, ok := data.(map[string]string); ok {
			h.fail(m["error"])
		}
	case engine.EventStateChanged:
		if m, ok := data.(map[string]string); ok {
			h.stats.State = m["state"]
		}
	}
	return failure
}

func (h *Handler) fail(msg string) {
	h.stats.LastError = msg
	h.stats.LastErrorAt = time.Now()
}

// Stats returns a copy of the counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) statsJSON() json.RawMessage {
	data, err := json.Marshal(h.Stats())
	if err != nil {
		return nil
	}
	return data
}

func (h *Handler) broadcastStats() {
	h.server.Broadcast(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      h.statsJSON(),
	})
}
