package handler

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks per-IP rate limits using token buckets. Upload
// endpoints get their own limiter so a hammering client cannot starve the
// state and event endpoints.
type RateLimiter struct {
	clients sync.Map
	rate    rate.Limit
	burst   int
	done    chan struct{}
}

// NewRateLimiter creates a rate limiter that allows r requests per second
// with the given burst size. It starts a background goroutine that evicts
// stale entries every 10 minutes.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	rl := &RateLimiter{
		rate:  r,
		burst: burst,
		done:  make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	v, ok := rl.clients.Load(ip)
	if ok {
		c := v.(*client)
		c.lastSeen = time.Now()
		return c.limiter
	}
	limiter := rate.NewLimiter(rl.rate, rl.burst)
	rl.clients.Store(ip, &client{limiter: limiter, lastSeen: time.Now()})
	return limiter
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.clients.Range(func(key, value any) bool {
				c := value.(*client)
				if time.Since(c.lastSeen) > 10*time.Minute {
					rl.clients.Delete(key)
				}
				return true
			})
		case <-rl.done:
			return
		}
	}
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

// Middleware returns an HTTP middleware that rate-limits by client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if fwd := r.Header.Get("X-Real-Ip"); fwd != "" {
			ip = fwd
		}
		if !rl.getLimiter(ip).Allow() {
			jsonError(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
