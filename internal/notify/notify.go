// Package notify surfaces connectivity and error events from sync channels
// to whatever is showing them to the user.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindTransport   Kind = "transport_error"
	KindProtocol    Kind = "protocol_error"
	KindCapacity    Kind = "connection_failed"
	KindLostEdit    Kind = "lost_edit"
	KindServerError Kind = "server_error"
	KindUnreachable Kind = "server_unreachable"
)

// Level maps a kind to the slog level it is logged at.
func (k Kind) Level() slog.Level {
	switch k {
	case KindCapacity, KindUnreachable:
		return slog.LevelError
	case KindTransport, KindLostEdit, KindServerError, KindProtocol:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Notification is one user-facing event.
type Notification struct {
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Room    string    `json:"room,omitempty"`
	Purpose string    `json:"purpose,omitempty"`
	Message string    `json:"message"`
}

// Sink receives notifications. Sync channels call Notify from their event
// loop, so implementations must not block.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

// Notify calls f(n).
func (f SinkFunc) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Sink = SinkFunc(func(Notification) {})

// LogSink writes notifications to a slog logger.
type LogSink struct {
	Logger *slog.Logger // nil means slog.Default()
}

// Notify logs n at the level of its kind.
func (s LogSink) Notify(n Notification) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), n.Kind.Level(), n.Message,
		"kind", string(n.Kind),
		"room", n.Room,
		"purpose", n.Purpose,
	)
}

// Multi fans a notification out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(n Notification) {
		for _, s := range live {
			s.Notify(n)
		}
	})
}
