package api

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter tracks request timestamps per client IP over a sliding
// window. It protects the endpoints that mint or mail credentials.
type RateLimiter struct {
	attempts    map[string][]time.Time
	mu          sync.Mutex
	limit       int
	window      time.Duration
	stopCleanup chan struct{}
}

// NewRateLimiter allows limit requests per window per IP. A background
// goroutine prunes idle entries until Stop is called.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		attempts:    make(map[string][]time.Time),
		limit:       limit,
		window:      window,
		stopCleanup: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-rl.stopCleanup:
				return
			}
		}
	}()

	return rl
}

// Stop halts the cleanup routine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	select {
	case <-rl.stopCleanup:
	default:
		close(rl.stopCleanup)
	}
}

// Allow reports whether another request from ip fits in the window, and
// records it when it does.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	var valid []time.Time
	for _, attempt := range rl.attempts[ip] {
		if attempt.After(cutoff) {
			valid = append(valid, attempt)
		}
	}

	if len(valid) >= rl.limit {
		rl.attempts[ip] = valid
		return false
	}

	rl.attempts[ip] = append(valid, now)
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	for ip, attempts := range rl.attempts {
		var valid []time.Time
		for _, attempt := range attempts {
			if attempt.After(cutoff) {
				valid = append(valid, attempt)
			}
		}
		if len(valid) == 0 {
			delete(rl.attempts, ip)
		} else {
			rl.attempts[ip] = valid
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(GetClientIP(r)) {
			writeErrorResponse(w, r, http.StatusTooManyRequests, "", "Rate limit exceeded. Please try again later.")
			return
		}
		next(w, r)
	}
}
