package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Fanout carries relayed frames between relay instances.
type Fanout interface {
	Publish(ctx context.Context, room string, frame []byte) error
	Run(ctx context.Context, deliver func(room string, frame []byte))
}

// fanoutMessage is the pub/sub payload.
type fanoutMessage struct {
	Origin string `json:"origin"`
	Room   string `json:"room"`
	Frame  string `json:"frame"`
}

// RedisFanout publishes frames on "<prefix>:fanout:<room>" and delivers
// frames published by other instances.
type RedisFanout struct {
	rdb      *redis.Client
	prefix   string
	instance string
}

// NewRedisFanout creates a fanout; instance must be unique per process.
func NewRedisFanout(rdb *redis.Client, prefix, instance string) *RedisFanout {
	return &RedisFanout{rdb: rdb, prefix: prefix, instance: instance}
}

func (f *RedisFanout) channel(room string) string {
	return f.prefix + ":fanout:" + room
}

// Publish sends frame to every other instance.
func (f *RedisFanout) Publish(ctx context.Context, room string, frame []byte) error {
	payload, err := json.Marshal(fanoutMessage{Origin: f.instance, Room: room, Frame: string(frame)})
	if err != nil {
		return err
	}
	if err := f.rdb.Publish(ctx, f.channel(room), string(payload)).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", room, err)
	}
	return nil
}

// Run subscribes to every room and calls deliver for frames that
// originated elsewhere. It returns when ctx is cancelled.
func (f *RedisFanout) Run(ctx context.Context, deliver func(room string, frame []byte)) {
	pubsub := f.rdb.PSubscribe(ctx, f.prefix+":fanout:*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			f.handle(m, deliver)
		}
	}
}

func (f *RedisFanout) handle(m *redis.Message, deliver func(room string, frame []byte)) {
	var msg fanoutMessage
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		slog.Warn("fanout: malformed message", "channel", m.Channel, "error", err)
		return
	}
	if msg.Origin == f.instance {
		return
	}
	if m.Channel != f.channel(msg.Room) {
		slog.Warn("fanout: room does not match channel", "channel", m.Channel, "room", msg.Room)
		return
	}
	deliver(msg.Room, []byte(msg.Frame))
}
