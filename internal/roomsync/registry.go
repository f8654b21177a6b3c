// Package roomsync keeps a text document synchronized across the clients
// in a room over a persistent channel per (room, purpose).
package roomsync

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cortexuvula/notesync/internal/eventloop"
)

// Registry hands out at most one Channel per (room, purpose). All of its
// channels share one event loop.
type Registry struct {
	mu       sync.Mutex
	loop     *eventloop.Loop
	opts     Options
	channels map[Key]*Channel
	closed   bool
}

// NewRegistry validates opts and starts the event loop.
func NewRegistry(opts Options) (*Registry, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if _, err := Endpoint(opts.ServerURL, PurposeNotes, "probe"); err != nil {
		return nil, err
	}
	return &Registry{
		loop:     eventloop.New(0),
		opts:     opts,
		channels: make(map[Key]*Channel),
	}, nil
}

// Get returns the channel for (room, purpose), creating it disconnected
// on first use. A second Get for the same key returns the same channel.
func (r *Registry) Get(room string, purpose Purpose) (*Channel, error) {
	if room == "" {
		return nil, ErrNoRoom
	}
	if _, err := ParsePurpose(string(purpose)); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	key := Key{Room: room, Purpose: purpose}
	if c, ok := r.channels[key]; ok {
		return c, nil
	}
	c, err := newChannel(r.loop, key, r.opts)
	if err != nil {
		return nil, fmt.Errorf("creating channel %s: %w", key, err)
	}
	r.channels[key] = c
	slog.Debug("channel created", "room", room, "purpose", string(purpose))
	return c, nil
}

// Open is Get followed by Connect.
func (r *Registry) Open(room string, purpose Purpose) (*Channel, error) {
	c, err := r.Get(room, purpose)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Release closes and forgets the channel for (room, purpose). Releasing an
// unknown key is a no-op.
func (r *Registry) Release(room string, purpose Purpose) error {
	key := Key{Room: room, Purpose: purpose}
	r.mu.Lock()
	c, ok := r.channels[key]
	delete(r.channels, key)
	closed := r.closed
	r.mu.Unlock()

	if !ok || closed {
		return nil
	}
	return r.loop.Call(c.teardown)
}

// Channels returns snapshots of every live channel ordered by key.
func (r *Registry) Channels() []ChannelState {
	r.mu.Lock()
	list := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		list = append(list, c)
	}
	r.mu.Unlock()

	var out []ChannelState
	err := r.loop.Call(func() {
		for _, c := range list {
			out = append(out, c.snapshot())
		}
	})
	if err != nil && !errors.Is(err, eventloop.ErrStopped) {
		slog.Warn("listing channels failed", "error", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomID != out[j].RoomID {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].Purpose < out[j].Purpose
	})
	return out
}

// Close tears down every channel and stops the event loop. Channels
// returned earlier stop accepting work.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	list := make([]*Channel, 0, len(r.channels))
	for k, c := range r.channels {
		list = append(list, c)
		delete(r.channels, k)
	}
	r.mu.Unlock()

	_ = r.loop.Call(func() {
		for _, c := range list {
			c.teardown()
		}
	})
	r.loop.Stop()
}
