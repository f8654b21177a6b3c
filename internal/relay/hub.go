package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// RoomKey names a shared document: purpose plus room ID.
func RoomKey(purpose, room string) string {
	return purpose + ":" + room
}

type member struct {
	id   string
	ip   string
	conn *websocket.Conn
}

// Hub tracks the connections joined to each room on this instance.
type Hub struct {
	mu           sync.RWMutex
	rooms        map[string]map[string]*member
	writeTimeout time.Duration
}

// NewHub creates an empty hub. writeTimeout bounds each broadcast write.
func NewHub(writeTimeout time.Duration) *Hub {
	return &Hub{
		rooms:        make(map[string]map[string]*member),
		writeTimeout: writeTimeout,
	}
}

// Join adds a connection to a room.
func (h *Hub) Join(room, id, ip string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*member)
	}
	h.rooms[room][id] = &member{id: id, ip: ip, conn: conn}
	slog.Debug("hub: joined", "room", room, "client", id)
}

// Leave removes a connection; the room is dropped when it empties.
func (h *Hub) Leave(room, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	slog.Debug("hub: left", "room", room, "client", id)
}

// Broadcast writes payload to every member of room, the sender included,
// and returns the number of successful writes. Members are snapshotted
// under the read lock and written without it.
func (h *Hub) Broadcast(ctx context.Context, room string, payload []byte) int {
	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*member, 0, len(members))
	for _, m := range members {
		targets = append(targets, m)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := m.conn.Write(wctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			slog.Debug("hub: write failed", "room", room, "client", m.id, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// MemberCount returns the number of connections in room.
func (h *Hub) MemberCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
