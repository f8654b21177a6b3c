package relay

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
)

func TestRedisFanoutPublish(t *testing.T) {
	db, mock := redismock.NewClientMock()
	f := NewRedisFanout(db, "notesync", "inst-1")

	mock.ExpectPublish("notesync:fanout:notes:a",
		`{"origin":"inst-1","room":"notes:a","frame":"{\"type\":\"update\"}"}`).SetVal(2)
	if err := f.Publish(context.Background(), "notes:a", []byte(`{"type":"update"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisFanoutHandle(t *testing.T) {
	f := NewRedisFanout(nil, "notesync", "inst-1")

	tests := []struct {
		name    string
		msg     *redis.Message
		deliver bool
	}{
		{
			name: "other instance delivered",
			msg: &redis.Message{
				Channel: "notesync:fanout:notes:a",
				Payload: `{"origin":"inst-2","room":"notes:a","frame":"x"}`,
			},
			deliver: true,
		},
		{
			name: "own message skipped",
			msg: &redis.Message{
				Channel: "notesync:fanout:notes:a",
				Payload: `{"origin":"inst-1","room":"notes:a","frame":"x"}`,
			},
		},
		{
			name: "malformed skipped",
			msg:  &redis.Message{Channel: "notesync:fanout:notes:a", Payload: "garbage"},
		},
		{
			name: "room mismatch skipped",
			msg: &redis.Message{
				Channel: "notesync:fanout:notes:a",
				Payload: `{"origin":"inst-2","room":"notes:b","frame":"x"}`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotRoom, gotFrame string
			called := false
			f.handle(tt.msg, func(room string, frame []byte) {
				called = true
				gotRoom, gotFrame = room, string(frame)
			})
			if called != tt.deliver {
				t.Fatalf("delivered = %v, want %v", called, tt.deliver)
			}
			if called && (gotRoom != "notes:a" || gotFrame != "x") {
				t.Errorf("delivered (%q, %q)", gotRoom, gotFrame)
			}
		})
	}
}
