package roomsync

import (
	"fmt"
	"time"
)

// Purpose selects which shared document a channel carries.
type Purpose string

const (
	PurposeNotes      Purpose = "notes"
	PurposeTranscript Purpose = "transcript"
)

// ParsePurpose accepts "notes" or "transcript" (and the plural path form).
func ParsePurpose(s string) (Purpose, error) {
	switch s {
	case "notes":
		return PurposeNotes, nil
	case "transcript", "transcripts":
		return PurposeTranscript, nil
	}
	return "", fmt.Errorf("unknown purpose %q (want notes or transcript)", s)
}

// Path is the endpoint path for the purpose.
func (p Purpose) Path() string {
	if p == PurposeTranscript {
		return "/transcripts"
	}
	return "/notes"
}

// ConnectionState is the lifecycle state of a channel.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
	// StateFailed is terminal until an explicit Connect or Reconnect.
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the state holds or is acquiring a socket.
func (s ConnectionState) Active() bool {
	return s == StateConnecting || s == StateOpen
}

// EditState tracks the newest local edit.
//
//	Idle --edit--> PendingSend --debounce, open--> SentAwaitingEcho
//	                    |                                 |
//	                    +--debounce, not open--> Idle <---+-- inbound update
type EditState int

const (
	EditIdle EditState = iota
	EditPendingSend
	EditSentAwaitingEcho
)

func (e EditState) String() string {
	switch e {
	case EditIdle:
		return "idle"
	case EditPendingSend:
		return "pending_send"
	case EditSentAwaitingEcho:
		return "sent_awaiting_echo"
	default:
		return "unknown"
	}
}

// Key identifies a channel.
type Key struct {
	Room    string
	Purpose Purpose
}

func (k Key) String() string {
	return string(k.Purpose) + ":" + k.Room
}

// ChannelState is a point-in-time copy of a channel's state.
type ChannelState struct {
	RoomID       string          `json:"room_id"`
	Purpose      Purpose         `json:"purpose"`
	State        ConnectionState `json:"-"`
	StateName    string          `json:"state"`
	RetryCount   int             `json:"retry_count"`
	Content      string          `json:"content"`
	LastContent  string          `json:"last_content"`
	LastUpdateAt time.Time       `json:"last_update_at"`
	Edit         EditState       `json:"-"`
	EditName     string          `json:"edit"`
}

// document is the channel's text. content is what the editor shows;
// lastContent is the newest text known to match the room.
type document struct {
	content      string
	lastContent  string
	lastUpdateAt time.Time
}

func (d *document) settle(content string, at time.Time) {
	d.lastContent = content
	if at.IsZero() {
		at = time.Now()
	}
	d.lastUpdateAt = at
}

// editTracker is the three-state local-edit machine shared by the
// Broadcaster (writer) and the Suppressor (reader).
type editTracker struct {
	state    EditState
	lastSent string
}

func (e *editTracker) begin() { e.state = EditPendingSend }

func (e *editTracker) sent(content string) {
	e.state = EditSentAwaitingEcho
	e.lastSent = content
}

func (e *editTracker) dropped() { e.state = EditIdle }

// admit decides whether an inbound update may overwrite local content.
// A pending local edit wins until it is sent. After a send, an update
// carrying exactly the sent text is our echo and is swallowed; any other
// update is a newer remote edit and is applied.
func (e *editTracker) admit(content string) bool {
	switch e.state {
	case EditPendingSend:
		return false
	case EditSentAwaitingEcho:
		e.state = EditIdle
		return content != e.lastSent
	default:
		return true
	}
}
