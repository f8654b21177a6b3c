package roomsync

import (
	"context"

	"github.com/cortexuvula/notesync/internal/eventloop"
)

// Channel is one synchronized document in one room: a Manager owning the
// socket, a Broadcaster for local edits and a Suppressor for inbound
// frames, all running on the registry's event loop.
//
// Hooks registered with OnContent and OnStateChange run on the event loop.
// They may call Edit, Connect and Disconnect, which queue work behind the
// running hook, but must not call Snapshot or Reconnect, which wait for
// the loop.
type Channel struct {
	key  Key
	loop *eventloop.Loop

	mgr   *Manager
	bc    *Broadcaster
	sup   *Suppressor
	doc   *document
	edits *editTracker
}

func newChannel(loop *eventloop.Loop, key Key, opts Options) (*Channel, error) {
	mgr, err := NewManager(loop, key.Purpose, opts)
	if err != nil {
		return nil, err
	}
	mgr.room = key.Room

	doc := &document{}
	edits := &editTracker{}
	c := &Channel{
		key:   key,
		loop:  loop,
		mgr:   mgr,
		doc:   doc,
		edits: edits,
		bc:    newBroadcaster(mgr, doc, edits),
		sup:   newSuppressor(mgr, doc, edits),
	}
	mgr.onFrame = c.sup.handleFrame
	return c, nil
}

// Key returns the room and purpose of the channel.
func (c *Channel) Key() Key { return c.key }

// Connect opens the channel's socket.
func (c *Channel) Connect() error {
	return c.mgr.Connect(c.key.Room)
}

// Disconnect closes the socket intentionally.
func (c *Channel) Disconnect() error {
	return c.mgr.Disconnect()
}

// Reconnect probes the server and reconnects when it is reachable.
func (c *Channel) Reconnect(ctx context.Context) error {
	return c.mgr.Reconnect(ctx)
}

// Edit records a local change. It is sent once the debounce window passes
// without another edit.
func (c *Channel) Edit(content string) error {
	return c.loop.Post(func() { c.bc.localEdit(content) })
}

// OnContent registers fn to receive remote content applied to the document.
func (c *Channel) OnContent(fn func(content string)) error {
	return c.loop.Post(func() { c.sup.onContent = fn })
}

// OnStateChange registers fn to receive connection state transitions.
func (c *Channel) OnStateChange(fn func(ConnectionState)) error {
	return c.loop.Post(func() { c.mgr.onState = fn })
}

// Snapshot returns a copy of the channel's state.
func (c *Channel) Snapshot() (ChannelState, error) {
	var st ChannelState
	err := c.loop.Call(func() { st = c.snapshot() })
	return st, err
}

func (c *Channel) snapshot() ChannelState {
	return ChannelState{
		RoomID:       c.key.Room,
		Purpose:      c.key.Purpose,
		State:        c.mgr.state,
		StateName:    c.mgr.state.String(),
		RetryCount:   c.mgr.retryCount,
		Content:      c.doc.content,
		LastContent:  c.doc.lastContent,
		LastUpdateAt: c.doc.lastUpdateAt,
		Edit:         c.edits.state,
		EditName:     c.edits.state.String(),
	}
}

// teardown stops timers and closes the socket. Runs on the loop.
func (c *Channel) teardown() {
	c.bc.cancel()
	c.sup.cancel()
	c.mgr.release()
}
