package httpapi

import (
	"sync"
	"time"
)

// KeyedLimiter enforces a sliding-window rate limit per key, keyed here by
// username so one abusive client cannot lock out everyone else's logins.
type KeyedLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

// NewKeyedLimiter constructs a limiter allowing up to limit events per key
// per window.
func NewKeyedLimiter(window time.Duration, limit int, timeSource func() time.Time) *KeyedLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &KeyedLimiter{
		window: window,
		limit:  limit,
		now:    timeSource,
		events: make(map[string][]time.Time),
	}
}

// Allow reports whether the key may proceed under the current rate limits.
func (l *KeyedLimiter) Allow(key string) bool {
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
	if len(kept) >= l.limit {
		l.events[key] = kept
		return false
	}
	l.events[key] = append(kept, now)
	return true
}
