package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/teleai/telelive/internal/call"
	"github.com/teleai/telelive/internal/logring"
	"github.com/teleai/telelive/internal/registry"
	"github.com/teleai/telelive/internal/session"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	OnlineUsers       int      `json:"online_users"`
	ActiveCalls       int      `json:"active_calls"`
	Version           string   `json:"version"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalSessions int64              `json:"total_sessions"`
	TotalEvents   int64              `json:"total_events"`
	MemoryMB      float64            `json:"memory_mb"`
	RecentLogs    []logring.LogEntry `json:"recent_logs,omitempty"`
}

// Handler serves the health check endpoint.
// The health listener runs on localhost separate from the client
// listener so monitoring tools never touch the event socket.
type Handler struct {
	startTime time.Time
	registry  *registry.Registry
	tracker   *session.Tracker
	calls     *call.Manager
	ring      *logring.RingBuffer // optional, nil without log capture
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(reg *registry.Registry, tr *session.Tracker, calls *call.Manager, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		registry:  reg,
		tracker:   tr,
		calls:     calls,
		version:   version,
		detailed:  detailed,
	}
}

// SetLogRing attaches the ring buffer whose recent entries appear in
// detailed responses.
func (h *Handler) SetLogRing(ring *logring.RingBuffer) {
	h.ring = ring
}

// ServeHTTP handles health check requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := Response{
		Status:            "ok",
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.registry.ConnectionCount(),
		OnlineUsers:       h.registry.UserCount(),
		ActiveCalls:       h.calls.ActiveCount(),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalSessions: h.tracker.TotalSessions(),
			TotalEvents:   h.tracker.TotalEvents(),
			MemoryMB:      float64(memStats.Alloc) / 1024 / 1024,
		}
		if h.ring != nil {
			resp.Details.RecentLogs = h.ring.Recent(20, slog.LevelInfo)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
