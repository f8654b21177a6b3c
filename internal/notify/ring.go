package notify

import (
	"sync"
	"time"
)

// Ring is a thread-safe circular buffer of recent notifications.
type Ring struct {
	mu      sync.RWMutex
	entries []Notification
	head    int  // next write position
	full    bool // whether we've wrapped around
	cap     int
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		entries: make([]Notification, capacity),
		cap:     capacity,
	}
}

// Notify stores n, overwriting the oldest entry if full.
func (r *Ring) Notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	r.mu.Lock()
	r.entries[r.head] = n
	r.head = (r.head + 1) % r.cap
	if r.head == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Entries returns up to limit notifications newer than since, newest
// first. An empty kinds list matches every kind.
func (r *Ring) Entries(limit int, since time.Time, kinds ...Kind) []Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.len()
	var result []Notification
	for i := 0; i < n && (limit <= 0 || len(result) < limit); i++ {
		e := r.entries[(r.head-1-i+r.cap)%r.cap]
		if !since.IsZero() && e.Time.Before(since) {
			continue
		}
		if len(kinds) > 0 && !hasKind(kinds, e.Kind) {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Count returns how many retained notifications have the given kind.
func (r *Ring) Count(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for i := 0; i < r.len(); i++ {
		if r.entries[i].Kind == kind {
			count++
		}
	}
	return count
}

// Len returns the number of retained notifications.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len()
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return r.cap
}

func (r *Ring) len() int {
	if r.full {
		return r.cap
	}
	return r.head
}

func hasKind(kinds []Kind, k Kind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}
