// Package relay is the room server: it accepts sync channels, sends each
// joiner the room's stored content and rebroadcasts updates to the room.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/notesync/internal/config"
	"github.com/cortexuvula/notesync/internal/metrics"
	"github.com/cortexuvula/notesync/internal/protocol"
	"github.com/cortexuvula/notesync/internal/security"
)

// Channel endpoint paths and the purpose each serves.
var purposes = map[string]string{
	"/notes":       "notes",
	"/transcripts": "transcript",
}

// Handler accepts sync channels on /notes and /transcripts.
type Handler struct {
	Config      *config.Config
	Tracker     *Tracker
	RateLimiter *security.RateLimiter
	Metrics     *metrics.Metrics // optional, nil if metrics disabled
	Hub         *Hub
	Store       Store
	Fanout      Fanout          // optional, nil when running a single instance
	ShutdownCtx context.Context // cancelled on server shutdown

	// drainCtx is cancelled when the server begins draining connections.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects Config during hot-reload
	mu sync.RWMutex
}

// NewHandler creates a relay handler with an in-process hub.
func NewHandler(cfg *config.Config, t *Tracker, rl *security.RateLimiter, store Store, shutdownCtx context.Context) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Config:      cfg,
		Tracker:     t,
		RateLimiter: rl,
		Hub:         NewHub(cfg.Relay.WriteTimeout),
		Store:       store,
		ShutdownCtx: shutdownCtx,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}
}

// StartDrain asks every open channel to close with 1001 going away.
func (h *Handler) StartDrain() {
	h.drainCancel()
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Config
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Config = cfg
}

// Register mounts the channel endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	for path := range purposes {
		mux.Handle(path, h)
	}
}

// RunFanout delivers frames from other relay instances to local rooms
// until ctx is cancelled. It is a no-op without a Fanout.
func (h *Handler) RunFanout(ctx context.Context) {
	if h.Fanout == nil {
		return
	}
	h.Fanout.Run(ctx, func(room string, frame []byte) {
		n := h.Hub.Broadcast(ctx, room, frame)
		slog.Debug("fanout delivered", "room", room, "clients", n)
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	purpose, ok := purposes[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}

	clientIP, err := security.ClientIP(r.RemoteAddr)
	if err != nil {
		slog.Error("failed to parse remote address", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if cfg.Security.AuthToken != "" {
		if !security.TokenMatch(security.RequestToken(r), cfg.Security.AuthToken) {
			slog.Warn("rejected invalid auth token", "client_ip", clientIP)
			h.countError("auth")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("rate limit exceeded", "client_ip", clientIP)
		h.countError("rate_limited")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "room query parameter is required", http.StatusBadRequest)
		return
	}

	if !isWebSocketUpgrade(r) {
		http.Error(w, "Upgrade Required", http.StatusUpgradeRequired)
		return
	}

	if reason := h.Tracker.TryAcquire(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		h.countError(reason)
		if reason == LimitGlobal {
			slog.Warn("max connections reached", "current", h.Tracker.Active(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Tracker.ActiveForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}
	defer h.Tracker.Release(clientIP)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.countError("accept_failure")
		slog.Error("failed to accept channel", "error", err)
		return
	}
	conn.SetReadLimit(cfg.Relay.MaxMessageSize)

	if h.Metrics != nil {
		h.Metrics.ConnectionsTotal.Inc()
		h.Metrics.ActiveConnections.Inc()
		defer h.Metrics.ActiveConnections.Dec()
	}

	h.serve(conn, RoomKey(purpose, room), clientIP)
}

// serve runs one channel until it closes.
func (h *Handler) serve(conn *websocket.Conn, room, clientIP string) {
	cfg := h.GetConfig()
	id := uuid.NewString()
	start := time.Now()

	ctx, cancel := context.WithCancel(h.ShutdownCtx)
	defer cancel()

	var closeOnce sync.Once
	closeConn := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() { conn.Close(code, reason) })
	}
	defer closeConn(websocket.StatusGoingAway, "")

	h.Hub.Join(room, id, clientIP, conn)
	h.updateRoomGauge()
	defer func() {
		h.Hub.Leave(room, id)
		h.updateRoomGauge()
		slog.Info("channel closed", "room", room, "client", id, "duration", time.Since(start).String())
	}()
	slog.Info("channel opened", "room", room, "client", id, "client_ip", clientIP)

	if cfg.Relay.PingInterval > 0 {
		go h.keepAlive(ctx, conn, cfg.Relay.PingInterval, cfg.Relay.PongTimeout, cancel)
	}

	go func() {
		select {
		case <-h.drainCtx.Done():
			closeConn(websocket.StatusGoingAway, "server shutting down")
		case <-ctx.Done():
		}
	}()

	h.sendInitial(ctx, conn, room)

	var msgLimiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.MessagesPerSecond > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(cfg.Security.RateLimit.MessagesPerSecond), cfg.Security.RateLimit.MessagesPerSecond)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("read stopped", "room", room, "client", id, "reason", err)
			return
		}
		if msgLimiter != nil {
			if err := msgLimiter.Wait(ctx); err != nil {
				return
			}
		}
		if typ != websocket.MessageText {
			h.sendError(ctx, conn, "binary frames are not supported")
			continue
		}
		h.handleFrame(ctx, conn, room, data)
	}
}

func (h *Handler) sendInitial(ctx context.Context, conn *websocket.Conn, room string) {
	doc, err := h.Store.Load(ctx, room)
	if err != nil {
		slog.Error("loading room content failed", "room", room, "error", err)
		h.countError("store")
		h.sendError(ctx, conn, "room content unavailable")
		return
	}
	at := doc.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	h.write(ctx, conn, protocol.NewInitial(doc.Content, at))
}

func (h *Handler) handleFrame(ctx context.Context, conn *websocket.Conn, room string, data []byte) {
	h.countMessage("in")

	msg, err := protocol.Decode(data)
	if err != nil {
		slog.Debug("malformed frame", "room", room, "error", err)
		h.countError("bad_frame")
		h.sendError(ctx, conn, err.Error())
		return
	}

	switch msg := msg.(type) {
	case protocol.Update:
		at := msg.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		if err := h.Store.Save(ctx, room, Document{Content: msg.Content, UpdatedAt: at}); err != nil {
			slog.Warn("saving room content failed", "room", room, "error", err)
			h.countError("store")
		}
		n := h.Hub.Broadcast(ctx, room, data)
		h.Tracker.CountMessage()
		if h.Metrics != nil {
			h.Metrics.MessagesTotal.WithLabelValues("out").Add(float64(n))
		}
		if h.Fanout != nil {
			if err := h.Fanout.Publish(ctx, room, data); err != nil {
				slog.Warn("fanout publish failed", "room", room, "error", err)
				h.countError("fanout")
			}
		}
	case protocol.Ping:
		h.write(ctx, conn, protocol.NewPong(time.Now()))
	case protocol.Initial, protocol.Error, protocol.Pong:
		h.sendError(ctx, conn, "unexpected message type from client")
	}
}

func (h *Handler) sendError(ctx context.Context, conn *websocket.Conn, message string) {
	h.write(ctx, conn, protocol.NewError(message, time.Now()))
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, env protocol.Envelope) {
	wctx, cancel := context.WithTimeout(ctx, h.GetConfig().Relay.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, env); err != nil {
		slog.Debug("write failed", "type", string(env.Type), "error", err)
		return
	}
	h.countMessage("out")
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, it sends a close frame and cancels ctx.
func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}

func (h *Handler) updateRoomGauge() {
	if h.Metrics != nil {
		h.Metrics.ActiveRooms.Set(float64(h.Hub.RoomCount()))
	}
}

func (h *Handler) countMessage(direction string) {
	if h.Metrics != nil {
		h.Metrics.MessagesTotal.WithLabelValues(direction).Inc()
	}
}

func (h *Handler) countError(kind string) {
	if h.Metrics != nil {
		h.Metrics.ErrorsTotal.WithLabelValues(kind).Inc()
	}
}

// isWebSocketUpgrade returns true if the request is a WebSocket upgrade per RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContains(r.Header, "Connection", "upgrade")
}

// headerContains checks whether the header key contains the given value
// as a comma-separated token (case-insensitive).
func headerContains(h http.Header, key, value string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), value) {
				return true
			}
		}
	}
	return false
}
