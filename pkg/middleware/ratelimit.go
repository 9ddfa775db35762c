package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tcmartin/n8nstream/pkg/logging"
)

// RateLimiter implements a simple sliding-window rate limit per client
type RateLimiter struct {
	attempts   map[string][]time.Time
	limit      int
	window     time.Duration
	mu         sync.Mutex
	cleanupInt time.Duration
	lastClean  time.Time
	now        func() time.Time
}

// NewRateLimiter creates a limiter admitting limit requests per window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:   make(map[string][]time.Time),
		limit:      limit,
		window:     window,
		cleanupInt: 5 * time.Minute,
		lastClean:  time.Now(),
		now:        time.Now,
	}
}

// Allow records a request from clientID and reports whether it is within the limit
func (r *RateLimiter) Allow(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastClean) > r.cleanupInt {
		r.cleanup(now)
		r.lastClean = now
	}

	cutoff := now.Add(-r.window)
	valid := r.attempts[clientID][:0]
	for _, t := range r.attempts[clientID] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= r.limit {
		r.attempts[clientID] = valid
		return false
	}
	r.attempts[clientID] = append(valid, now)
	return true
}

// cleanup removes clients with no attempt inside the window
func (r *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-r.window)
	for clientID, attempts := range r.attempts {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(cutoff) {
			delete(r.attempts, clientID)
		}
	}
}

// Handler answers 429 once a client exceeds the limit
func (r *RateLimiter) Handler(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Method == http.MethodOptions {
				next.ServeHTTP(w, req)
				return
			}

			client := clientIP(req)
			if !r.Allow(client) {
				logger.Warn("Rate limit exceeded", logging.F("client", client), logging.F("path", req.URL.Path))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error":   "Rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
