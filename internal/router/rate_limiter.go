package router

import (
	"sync"
	"time"
)

const (
	rateLimitPerWindow = 100
	rateLimitWindow    = time.Minute
	rateLimitStale     = 5 * time.Minute
)

// RateLimiter bounds how many actions each user may send per window.
type RateLimiter struct {
	mu    sync.Mutex
	users map[string]*userWindow
}

type userWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter with empty state.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{users: make(map[string]*userWindow)}
}

// Allow reports whether the user may send another message. The window
// resets once a full interval has elapsed since it opened.
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.users[userID]
	if !ok || now.Sub(w.windowStart) >= rateLimitWindow {
		rl.users[userID] = &userWindow{count: 1, windowStart: now}
		return true
	}

	if w.count >= rateLimitPerWindow {
		return false
	}
	w.count++
	return true
}

// Cleanup drops windows idle for several intervals. Call periodically
// to keep memory bounded.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for userID, w := range rl.users {
		if now.Sub(w.windowStart) > rateLimitStale {
			delete(rl.users, userID)
		}
	}
}
