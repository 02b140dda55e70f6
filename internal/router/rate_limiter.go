package router

import (
	"sync"
	"time"

	"chatrelay/pkg/types"
)

// RateLimiter is a per-connection sliding-window counter: a send is accepted
// only if fewer than types.RateLimitMaxPerWindow sends were accepted in the
// trailing types.RateLimitWindow. Bursts beyond the cap are rejected outright
// with no queuing or delay; callers must re-send later. This is not a token
// bucket.
type RateLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time // connection id -> accepted send instants
}

// NewRateLimiter creates a rate limiter with no recorded history.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		history: make(map[string][]time.Time),
	}
}

// CheckAndRecord reports whether a send at instant now is within quota for
// the connection, recording it if so. Timestamps outside the window are
// pruned in place on every check, so per-connection state stays bounded by
// the window cap.
func (rl *RateLimiter) CheckAndRecord(connectionID string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-types.RateLimitWindow)

	recent := rl.history[connectionID][:0]
	for _, ts := range rl.history[connectionID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= types.RateLimitMaxPerWindow {
		rl.history[connectionID] = recent
		return false
	}

	rl.history[connectionID] = append(recent, now)
	return true
}

// Forget discards all recorded state for the connection. Called on
// disconnect so history never outlives the connection.
func (rl *RateLimiter) Forget(connectionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, connectionID)
}
