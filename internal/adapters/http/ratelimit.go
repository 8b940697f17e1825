package http

import (
	"sync"
	"time"

	"github.com/calmora/livebridge/internal/core"
)

// TextRateLimiter bounds user text turns per session over a sliding window
// so a misbehaving client cannot flood the conversation backend.
type TextRateLimiter struct {
	mu       sync.Mutex
	history  map[core.SessionID][]time.Time
	limit    int
	interval time.Duration
}

func NewTextRateLimiter(limit int, interval time.Duration) *TextRateLimiter {
	return &TextRateLimiter{
		history:  make(map[core.SessionID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *TextRateLimiter) Allow(sid core.SessionID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[sid]
	fresh := make([]time.Time, 0, len(attempts))
	for _, ts := range attempts {
		if ts.After(windowStart) {
			fresh = append(fresh, ts)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[sid] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[sid] = fresh
	return true
}

// Forget drops a session's history when it unbinds.
func (rl *TextRateLimiter) Forget(sid core.SessionID) {
	rl.mu.Lock()
	delete(rl.history, sid)
	rl.mu.Unlock()
}
