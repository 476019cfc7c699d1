package serve

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a sliding-window request cap per agent. The broker is
// single-process, so in-memory bookkeeping is authoritative; windows slide
// by pruning timestamps older than the window on each check.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	cap    int
	hits   map[int64][]time.Time

	// now is replaceable in tests.
	now func() time.Time
}

// Default rate limit: 100 requests per 60-second window.
const (
	DefaultRateWindow = 60 * time.Second
	DefaultRateCap    = 100
)

// NewRateLimiter creates a limiter. Non-positive arguments take the
// defaults.
func NewRateLimiter(window time.Duration, cap int) *RateLimiter {
	if window <= 0 {
		window = DefaultRateWindow
	}
	if cap <= 0 {
		cap = DefaultRateCap
	}
	return &RateLimiter{
		window: window,
		cap:    cap,
		hits:   make(map[int64][]time.Time),
		now:    time.Now,
	}
}

// Allow records one request for the agent and reports whether it fits in the
// window. When denied, retryAfter is the wait until the oldest counted
// request leaves the window.
func (rl *RateLimiter) Allow(agentID int64) (allowed bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	kept := rl.hits[agentID][:0]
	for _, t := range rl.hits[agentID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= rl.cap {
		rl.hits[agentID] = kept
		return false, kept[0].Sub(cutoff)
	}

	rl.hits[agentID] = append(kept, now)
	return true, 0
}

// Status reports the agent's remaining quota and when the window resets,
// without counting a request.
func (rl *RateLimiter) Status(agentID int64) (remaining int, reset time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	count := 0
	var oldest time.Time
	for _, t := range rl.hits[agentID] {
		if t.After(cutoff) {
			if count == 0 || t.Before(oldest) {
				oldest = t
			}
			count++
		}
	}

	remaining = rl.cap - count
	if remaining < 0 {
		remaining = 0
	}
	if count > 0 {
		reset = oldest.Sub(cutoff)
	}
	return remaining, reset
}

// rateLimitStatusDTO is the GET /api/v1/ratelimit response body.
type rateLimitStatusDTO struct {
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"window_seconds"`
	Remaining     int    `json:"remaining"`
	ResetSeconds  int    `json:"reset_seconds"`
	ResetAt       string `json:"reset_at"`
}

// handleRateLimitStatus serves GET /api/v1/ratelimit.
func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	remaining, reset := s.limiter.Status(ident.AgentID)
	WriteSuccess(w, rateLimitStatusDTO{
		Limit:         s.limiter.cap,
		WindowSeconds: int(s.limiter.window.Seconds()),
		Remaining:     remaining,
		ResetSeconds:  int(reset.Seconds()),
		ResetAt:       time.Now().UTC().Add(reset).Format(time.RFC3339),
	}, http.StatusOK)
}
