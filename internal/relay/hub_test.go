package relay

import (
	"context"
	"testing"
	"time"
)

func TestHubMembership(t *testing.T) {
	h := NewHub(time.Second)
	room := RoomKey("notes", "r1")

	h.Join(room, "a", "10.0.0.1", nil)
	h.Join(room, "b", "10.0.0.2", nil)
	h.Join(RoomKey("transcript", "r1"), "c", "10.0.0.3", nil)

	if got := h.MemberCount(room); got != 2 {
		t.Errorf("MemberCount = %d, want 2", got)
	}
	if got := h.RoomCount(); got != 2 {
		t.Errorf("RoomCount = %d, want 2", got)
	}

	h.Leave(room, "a")
	h.Leave(room, "b")
	h.Leave(room, "missing")
	if got := h.MemberCount(room); got != 0 {
		t.Errorf("MemberCount after leave = %d, want 0", got)
	}
	if got := h.RoomCount(); got != 1 {
		t.Errorf("RoomCount after leave = %d, want 1 (empty room dropped)", got)
	}
}

func TestHubBroadcastEmptyRoom(t *testing.T) {
	h := NewHub(time.Second)
	if n := h.Broadcast(context.Background(), RoomKey("notes", "nobody"), []byte(`{}`)); n != 0 {
		t.Errorf("Broadcast to empty room = %d, want 0", n)
	}
}

func TestRoomKey(t *testing.T) {
	if got := RoomKey("transcript", "standup"); got != "transcript:standup" {
		t.Errorf("RoomKey = %q", got)
	}
}
