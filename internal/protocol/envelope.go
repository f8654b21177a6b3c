// Package protocol defines the JSON text-frame envelope shared by sync
// clients and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the envelope "type" tag.
type Type string

const (
	TypeUpdate  Type = "update"
	TypeInitial Type = "initial"
	TypeError   Type = "error"
	TypePing    Type = "ping"
	TypePong    Type = "pong"
)

// Close codes. Anything other than CloseIntentional is abnormal and is
// subject to the client's reconnect policy.
const (
	CloseIntentional = 1000
	CloseAbnormal    = 1006
)

// Envelope is the wire form of every frame: one JSON object per text frame.
type Envelope struct {
	Type      Type   `json:"type"`
	Content   string `json:"content,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ProtocolError reports a frame that is not valid or expected JSON.
// The frame is dropped; the channel state is not touched.
type ProtocolError struct {
	Raw []byte
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v (frame %d bytes)", e.Err, len(e.Raw))
}

func (e *ProtocolError) Unwrap() error { return e.Err }

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMissingType = errors.New("missing message type")
)

// Inbound is a decoded frame. The concrete type is one of Update, Initial,
// Error, Pong or Ping; consumers switch on it exhaustively.
type Inbound interface {
	inbound()
}

// Update carries a peer's edited content.
type Update struct {
	Content   string
	Timestamp time.Time
}

// Initial carries the room's current content, sent once on join.
type Initial struct {
	Content   string
	Timestamp time.Time
}

// Error carries a server-side error description.
type Error struct {
	Message string
}

// Pong answers a Ping.
type Pong struct{}

// Ping is a liveness message from client to server.
type Ping struct{}

func (Update) inbound()  {}
func (Initial) inbound() {}
func (Error) inbound()   {}
func (Pong) inbound()    {}
func (Ping) inbound()    {}

// Decode parses one text frame into its Inbound variant.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Raw: data, Err: err}
	}

	switch env.Type {
	case TypeUpdate, TypeInitial:
		ts, err := parseTimestamp(env.Timestamp)
		if err != nil {
			return nil, &ProtocolError{Raw: data, Err: err}
		}
		if env.Type == TypeUpdate {
			return Update{Content: env.Content, Timestamp: ts}, nil
		}
		return Initial{Content: env.Content, Timestamp: ts}, nil
	case TypeError:
		return Error{Message: env.Message}, nil
	case TypePong:
		return Pong{}, nil
	case TypePing:
		return Ping{}, nil
	case "":
		return nil, &ProtocolError{Raw: data, Err: ErrMissingType}
	default:
		return nil, &ProtocolError{Raw: data, Err: fmt.Errorf("%w: %q", ErrUnknownType, env.Type)}
	}
}

// parseTimestamp accepts an empty value (zero time) or RFC 3339 with
// optional fractional seconds, which covers ISO-8601 as produced by browsers.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return ts, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewUpdate builds an update envelope.
func NewUpdate(content string, at time.Time) Envelope {
	return Envelope{Type: TypeUpdate, Content: content, Timestamp: formatTimestamp(at)}
}

// NewInitial builds the join-time snapshot envelope.
func NewInitial(content string, at time.Time) Envelope {
	return Envelope{Type: TypeInitial, Content: content, Timestamp: formatTimestamp(at)}
}

// NewError builds an error envelope.
func NewError(message string, at time.Time) Envelope {
	return Envelope{Type: TypeError, Message: message, Timestamp: formatTimestamp(at)}
}

// NewPing builds a liveness ping.
func NewPing(at time.Time) Envelope {
	return Envelope{Type: TypePing, Timestamp: formatTimestamp(at)}
}

// NewPong builds a ping reply.
func NewPong(at time.Time) Envelope {
	return Envelope{Type: TypePong, Timestamp: formatTimestamp(at)}
}

// Encode marshals an envelope into a text frame.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", env.Type, err)
	}
	return data, nil
}
