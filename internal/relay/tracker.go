package relay

import (
	"sync"
	"sync/atomic"
)

// Limit reasons returned by Tracker.TryAcquire.
const (
	LimitGlobal = "max_connections"
	LimitPerIP  = "max_connections_per_ip"
)

// Tracker counts relay connections globally and per client IP.
type Tracker struct {
	active   atomic.Int64
	total    atomic.Int64
	messages atomic.Int64

	mu    sync.Mutex
	perIP map[string]int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{perIP: make(map[string]int)}
}

// TryAcquire reserves a connection slot for ip. It returns "" on success
// or the name of the limit that was hit. The check and the increment
// happen under one lock.
func (t *Tracker) TryAcquire(ip string, maxGlobal, maxPerIP int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(t.active.Load()) >= maxGlobal {
		return LimitGlobal
	}
	if t.perIP[ip] >= maxPerIP {
		return LimitPerIP
	}
	t.active.Add(1)
	t.total.Add(1)
	t.perIP[ip]++
	return ""
}

// Release frees a slot taken by TryAcquire.
func (t *Tracker) Release(ip string) {
	t.active.Add(-1)
	t.mu.Lock()
	t.perIP[ip]--
	if t.perIP[ip] <= 0 {
		delete(t.perIP, ip)
	}
	t.mu.Unlock()
}

// CountMessage records one relayed frame.
func (t *Tracker) CountMessage() { t.messages.Add(1) }

// Active returns the number of open connections.
func (t *Tracker) Active() int { return int(t.active.Load()) }

// ActiveForIP returns the number of open connections from ip.
func (t *Tracker) ActiveForIP(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perIP[ip]
}

// Total returns the number of connections accepted since start.
func (t *Tracker) Total() int64 { return t.total.Load() }

// Messages returns the number of frames relayed since start.
func (t *Tracker) Messages() int64 { return t.messages.Load() }
