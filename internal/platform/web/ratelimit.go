package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	cleanupInterval = time.Minute
	visitorTimeout  = 3 * time.Minute
)

// visitor holds one client IP's token bucket. Its own mutex lets
// different clients refill concurrently without touching the map lock.
type visitor struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter enforces a per-IP token bucket on the ops enqueue
// endpoints. Rate-limit state is process-local; the enqueue API is an
// operator surface, not a multi-process public edge.
type RateLimiter struct {
	mu       sync.RWMutex
	visitors map[string]*visitor

	rate     float64 // tokens added per second
	capacity float64 // max burst

	stop chan struct{}
}

// NewRateLimiter creates a limiter and starts its idle-visitor sweep.
func NewRateLimiter(rate, capacity float64) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		capacity: capacity,
		stop:     make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

func (rl *RateLimiter) getVisitor(ip string) *visitor {
	rl.mu.RLock()
	v, ok := rl.visitors[ip]
	rl.mu.RUnlock()
	if ok {
		return v
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if v, ok = rl.visitors[ip]; !ok {
		v = &visitor{tokens: rl.capacity, lastRefill: time.Now()}
		rl.visitors[ip] = v
	}
	return v
}

// Allow lazily refills the bucket and consumes one token if available.
func (rl *RateLimiter) Allow(ip string) bool {
	v := rl.getVisitor(ip)

	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(v.lastRefill).Seconds(); elapsed > 0 {
		v.tokens += elapsed * rl.rate
		if v.tokens > rl.capacity {
			v.tokens = rl.capacity
		}
		v.lastRefill = now
	}

	if v.tokens >= 1 {
		v.tokens--
		return true
	}
	return false
}

// sweep drops visitors idle past visitorTimeout so the map cannot grow
// without bound.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				v.mu.Lock()
				if time.Since(v.lastRefill) > visitorTimeout {
					delete(rl.visitors, ip)
				}
				v.mu.Unlock()
			}
			rl.mu.Unlock()
		}
	}
}

// Middleware wraps a handler to reject over-limit clients with 429.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"code":    "RATE_LIMITED",
				"message": "too many requests",
			})
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i > 0 {
		ip = ip[:i]
	}
	return ip
}
