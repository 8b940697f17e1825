package http

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTextRateLimiter(t *testing.T) {
	rl := NewTextRateLimiter(2, time.Minute)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	// Independent per session.
	assert.True(t, rl.Allow("b"))

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
}

func TestTextRateLimiterWindowExpiry(t *testing.T) {
	rl := NewTextRateLimiter(1, 10*time.Millisecond)

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Allow("a"))
}
