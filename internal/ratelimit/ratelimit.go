// Package ratelimit provides a keyed token bucket limiter for inbound mutations.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedRateLimiter manages per-key rate limiting.
// Each unique key gets its own independent rate limiter.
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*trackedLimiter
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	clock    func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

type trackedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a keyed rate limiter allowing rps requests per second per key with
// the given burst. Keys unused for idleTTL are dropped; zero keeps them forever.
func New(rps float64, burst int, idleTTL time.Duration) *KeyedRateLimiter {
	krl := &KeyedRateLimiter{
		limiters: make(map[string]*trackedLimiter),
		limit:    rate.Limit(rps),
		burst:    burst,
		idleTTL:  idleTTL,
		clock:    time.Now,
		done:     make(chan struct{}),
	}

	if idleTTL > 0 {
		go krl.cleanup(idleTTL)
	}

	return krl
}

// Allow reports whether a request for key may proceed now.
func (krl *KeyedRateLimiter) Allow(key string) bool {
	return krl.getLimiter(key).Allow()
}

// Len returns the number of tracked keys.
func (krl *KeyedRateLimiter) Len() int {
	krl.mu.Lock()
	defer krl.mu.Unlock()
	return len(krl.limiters)
}

func (krl *KeyedRateLimiter) getLimiter(key string) *rate.Limiter {
	krl.mu.Lock()
	defer krl.mu.Unlock()

	tracked, exists := krl.limiters[key]
	if !exists {
		tracked = &trackedLimiter{limiter: rate.NewLimiter(krl.limit, krl.burst)}
		krl.limiters[key] = tracked
	}
	tracked.lastSeen = krl.clock()
	return tracked.limiter
}

// Prune drops keys idle for longer than the configured TTL and returns how many
// were removed.
func (krl *KeyedRateLimiter) Prune() int {
	if krl.idleTTL <= 0 {
		return 0
	}
	krl.mu.Lock()
	defer krl.mu.Unlock()

	cutoff := krl.clock().Add(-krl.idleTTL)
	removed := 0
	for key, tracked := range krl.limiters {
		if tracked.lastSeen.Before(cutoff) {
			delete(krl.limiters, key)
			removed++
		}
	}
	return removed
}

// Stop shuts down the cleanup goroutine.
func (krl *KeyedRateLimiter) Stop() {
	krl.stopOnce.Do(func() {
		close(krl.done)
	})
}

func (krl *KeyedRateLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-krl.done:
			return
		case <-ticker.C:
			krl.Prune()
		}
	}
}
