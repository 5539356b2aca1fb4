package server

import (
	"sync"
	"time"
)

// messageLimiter is a per-connection fixed-window counter. The window resets
// when the deadline passes; a burst straddling the boundary can briefly exceed
// the nominal rate, which is an accepted tradeoff for the O(1) state.
type messageLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	count   int
	resetAt time.Time
}

func newMessageLimiter(limit int, window time.Duration) *messageLimiter {
	if limit <= 0 {
		limit = defaultRateLimitMessages
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &messageLimiter{limit: limit, window: window}
}

func (l *messageLimiter) allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.resetAt) {
		l.count = 1
		l.resetAt = now.Add(l.window)
		return true
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}
