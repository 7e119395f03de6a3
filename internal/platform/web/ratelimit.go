package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// visitor is a single client's token bucket state.
type visitor struct {
	// mu protects the individual visitor's state (tokens, lastRefill).
	// This allows concurrent updates to different visitors without contention.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter manages rate limiting for multiple clients using a Token Bucket algorithm.
type RateLimiter struct {
	// visitors maps client keys to their bucket.
	visitors map[string]*visitor
	// mu protects the map (adding/removing visitors).
	mu sync.RWMutex

	// rate is the number of tokens added per second.
	rate float64
	// capacity is the max burst size.
	capacity float64

	now func() time.Time
}

// NewRateLimiter creates a RateLimiter. Call StartCleanup to evict idle visitors.
func NewRateLimiter(rate, capacity float64) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		capacity: capacity,
		now:      time.Now,
	}
}

// getVisitor retrieves or creates the bucket for key.
func (rl *RateLimiter) getVisitor(key string) *visitor {
	// 1. Fast Path: Read Lock
	rl.mu.RLock()
	v, exists := rl.visitors[key]
	rl.mu.RUnlock()

	if exists {
		return v
	}

	// 2. Slow Path: Write Lock
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, exists = rl.visitors[key]; !exists {
		v = &visitor{
			tokens:     rl.capacity, // Start full
			lastRefill: rl.now(),
		}
		rl.visitors[key] = v
	}
	return v
}

// Allow reports whether key may make a request now, consuming a token if so.
// Tokens are refilled lazily from the time elapsed since the last refill.
func (rl *RateLimiter) Allow(key string) bool {
	v := rl.getVisitor(key)

	v.mu.Lock()
	defer v.mu.Unlock()

	now := rl.now()
	if tokensToAdd := now.Sub(v.lastRefill).Seconds() * rl.rate; tokensToAdd > 0 {
		v.tokens += tokensToAdd
		if v.tokens > rl.capacity {
			v.tokens = rl.capacity
		}
		v.lastRefill = now
	}

	if v.tokens >= 1.0 {
		v.tokens--
		return true
	}
	return false
}

// StartCleanup evicts idle visitors every minute until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, v := range rl.visitors {
		v.mu.Lock()
		if now.Sub(v.lastRefill) > visitorTimeout {
			delete(rl.visitors, key)
		}
		v.mu.Unlock()
	}
}

// Middleware rejects requests from clients that ran out of tokens.
// The client key is the remote host; chi's RealIP middleware runs first and
// resolves X-Forwarded-For / X-Real-IP into RemoteAddr.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too Many Requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
