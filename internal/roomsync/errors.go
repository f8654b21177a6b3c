package roomsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("channel not open")
	ErrSendBufferFull    = errors.New("channel send buffer full")
	ErrServerUnreachable = errors.New("sync server unreachable")
	ErrNoRoom            = errors.New("no room selected")
	ErrRegistryClosed    = errors.New("channel registry closed")
)

// TransportError reports a socket that failed to open or failed while open.
// It is recovered by the reconnect policy.
type TransportError struct {
	Op   string // "dial", "read" or "write"
	Room string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Room, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CapacityError reports a channel that exhausted its retry budget.
// The channel stays Failed until reconnected explicitly.
type CapacityError struct {
	Room     string
	Attempts int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("connection failed after %d attempts", e.Attempts)
}

// LostEditError reports a local edit discarded because the channel was not
// open when its debounce window closed. The edit is not retried.
type LostEditError struct {
	Room    string
	Content string
	State   ConnectionState
}

func (e *LostEditError) Error() string {
	return fmt.Sprintf("edit not sent to %s (channel %s); your change may not be saved", e.Room, e.State)
}
