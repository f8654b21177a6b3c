package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Document is the last content relayed in a room.
type Document struct {
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps the newest document per room so late joiners receive it in
// their initial frame.
type Store interface {
	Load(ctx context.Context, room string) (Document, error)
	Save(ctx context.Context, room string, doc Document) error
	Ping(ctx context.Context) error
}

// MemoryStore keeps documents in process. Thread-safe via sync.RWMutex.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// Load returns the room's document, or an empty one if nothing was saved.
func (s *MemoryStore) Load(_ context.Context, room string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[room], nil
}

// Save replaces the room's document. An older document never replaces a
// newer one.
func (s *MemoryStore) Save(_ context.Context, room string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.docs[room]; ok && doc.UpdatedAt.Before(cur.UpdatedAt) {
		return nil
	}
	s.docs[room] = doc
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of rooms with a saved document.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// RedisStore keeps documents in Redis so every relay instance serves the
// same initial content.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. Keys are "<prefix>:doc:<room>".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(room string) string {
	return s.prefix + ":doc:" + room
}

// Load returns the room's document, or an empty one for an unknown room.
func (s *RedisStore) Load(ctx context.Context, room string) (Document, error) {
	raw, err := s.rdb.Get(ctx, s.key(room)).Result()
	if errors.Is(err, redis.Nil) {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading %s: %w", room, err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, fmt.Errorf("decoding %s: %w", room, err)
	}
	return doc, nil
}

// Save overwrites the room's document. Last write wins across instances.
func (s *RedisStore) Save(ctx context.Context, room string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(room), string(data), 0).Err(); err != nil {
		return fmt.Errorf("saving %s: %w", room, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
