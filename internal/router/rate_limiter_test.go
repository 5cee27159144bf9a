package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < rateLimitPerWindow; i++ {
		assert.True(t, rl.Allow("u1"), "message %d should be allowed", i)
	}
	assert.False(t, rl.Allow("u1"))
}

func TestRateLimiterIsPerUser(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < rateLimitPerWindow; i++ {
		rl.Allow("u1")
	}
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"))
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < rateLimitPerWindow; i++ {
		rl.Allow("u1")
	}
	assert.False(t, rl.Allow("u1"))

	// Age the window past its interval; the next message opens a new one.
	rl.mu.Lock()
	rl.users["u1"].windowStart = time.Now().Add(-rateLimitWindow - time.Second)
	rl.mu.Unlock()

	assert.True(t, rl.Allow("u1"))
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter()
	rl.Allow("fresh")
	rl.Allow("stale")

	rl.mu.Lock()
	rl.users["stale"].windowStart = time.Now().Add(-rateLimitStale - time.Second)
	rl.mu.Unlock()

	rl.Cleanup()

	rl.mu.Lock()
	_, fresh := rl.users["fresh"]
	_, stale := rl.users["stale"]
	rl.mu.Unlock()
	assert.True(t, fresh)
	assert.False(t, stale)
}
