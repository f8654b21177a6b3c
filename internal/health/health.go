// Package health serves the relay's /health endpoint. Sync clients also
// use it as their out-of-band reachability check.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	ActiveRooms       int      `json:"active_rooms"`
	StoreReachable    bool     `json:"store_reachable"`
	Version           string   `json:"version,omitempty"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	TotalMessages    int64   `json:"total_messages"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Connections reports relay connection counters.
type Connections interface {
	Active() int
	Total() int64
	Messages() int64
}

// Rooms reports how many rooms are live.
type Rooms interface {
	RoomCount() int
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	conns     Connections
	rooms     Rooms
	store     Pinger
	version   string
	detailed  bool
	timeout   time.Duration
}

// NewHandler creates a new health check handler.
func NewHandler(conns Connections, rooms Rooms, store Pinger, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		conns:     conns,
		rooms:     rooms,
		store:     store,
		version:   version,
		detailed:  detailed,
		timeout:   2 * time.Second,
	}
}

// ServeHTTP handles health check requests. A store that does not answer
// degrades the status to 503; the relay itself is still up.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	storeOK := h.checkStore(r.Context())

	status := "ok"
	httpCode := http.StatusOK
	if !storeOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.conns.Active(),
		ActiveRooms:       h.rooms.RoomCount(),
		StoreReachable:    storeOK,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.conns.Total(),
			TotalMessages:    h.conns.Messages(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) checkStore(ctx context.Context) bool {
	if h.store == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		slog.Debug("room store unreachable", "error", err)
		return false
	}
	return true
}
