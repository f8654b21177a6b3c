package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cortexuvula/notesync/internal/config"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per client key (normally the client IP).
// Entries idle longer than the TTL are evicted in the background.
type RateLimiter struct {
	limiters   map[string]*clientLimiter
	mu         sync.Mutex
	r          rate.Limit
	burst      int
	ttl        time.Duration
	maxEntries int
	cancel     context.CancelFunc
}

// NewRateLimiter creates a limiter allowing r events per second per key
// with the given burst.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	rl := &RateLimiter{
		limiters:   make(map[string]*clientLimiter),
		r:          r,
		burst:      burst,
		ttl:        10 * time.Minute,
		maxEntries: 10000,
		cancel:     cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// NewConnectionLimiter limits channel opens per client to the configured
// connections per minute.
func NewConnectionLimiter(cfg config.RateLimitConfig) *RateLimiter {
	r, burst := connectionRate(cfg)
	return NewRateLimiter(r, burst)
}

func connectionRate(cfg config.RateLimitConfig) (rate.Limit, int) {
	perMinute := cfg.ConnectionsPerMinute
	if perMinute <= 0 {
		perMinute = 1
	}
	return rate.Limit(float64(perMinute) / 60), perMinute
}

// Allow reports whether key may proceed. New keys are refused once the
// table is full.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	entry, exists := rl.limiters[key]
	if !exists {
		if len(rl.limiters) >= rl.maxEntries {
			rl.mu.Unlock()
			return false
		}
		entry = &clientLimiter{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Stop shuts down the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

// UpdateRate changes the rate limit parameters. Existing limiters are
// dropped so they pick up the new rate on next access.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.r = r
	rl.burst = burst
	rl.limiters = make(map[string]*clientLimiter)
}

// Reconfigure applies a reloaded rate limit section.
func (rl *RateLimiter) Reconfigure(cfg config.RateLimitConfig) {
	rl.UpdateRate(connectionRate(cfg))
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evict(time.Now())
		}
	}
}

func (rl *RateLimiter) evict(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > rl.ttl {
			delete(rl.limiters, key)
		}
	}
}
