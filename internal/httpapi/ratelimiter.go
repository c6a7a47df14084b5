package httpapi

import (
	"sync"
	"time"
)

// HandshakeLimiter enforces a per-key event budget over a sliding window.
// Handshakes are the expensive operation on this surface, each one costs an
// RSA keypair, so abusive callers are cut off per API key rather than
// globally.
type HandshakeLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewHandshakeLimiter constructs a limiter allowing up to limit events per
// key per window. A non-positive window or limit disables limiting.
func NewHandshakeLimiter(window time.Duration, limit int, timeSource func() time.Time) *HandshakeLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &HandshakeLimiter{
		window: window,
		limit:  limit,
		now:    timeSource,
		events: make(map[string][]time.Time),
	}
}

// Allow reports whether the key may proceed under the current budget.
func (l *HandshakeLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.events[key][:0]
	for _, ts := range l.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(l.events) > pruneThreshold {
		l.pruneLocked(cutoff)
	}
	if len(kept) >= l.limit {
		l.events[key] = kept
		return false
	}
	l.events[key] = append(kept, now)
	return true
}

const pruneThreshold = 128

// pruneLocked drops keys whose windows have fully drained so an idle limiter
// does not hold every key it has ever seen. Caller holds the mutex.
func (l *HandshakeLimiter) pruneLocked(cutoff time.Time) {
	for key, events := range l.events {
		live := false
		for _, ts := range events {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.events, key)
		}
	}
}
