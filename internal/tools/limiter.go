// ABOUTME: Per-user-per-tool rate limiting using token buckets
// ABOUTME: Limiters are created lazily and shared across sessions

package tools

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet holds one token bucket per user+tool key. The per-minute cap
// maps to the bucket's refill rate with a burst of the full minute quota;
// the per-hour cap uses a second, slower bucket.
type limiterSet struct {
	mu      sync.Mutex
	minute  map[string]*rate.Limiter
	hour    map[string]*rate.Limiter
}

func newLimiterSet() *limiterSet {
	return &limiterSet{
		minute: make(map[string]*rate.Limiter),
		hour:   make(map[string]*rate.Limiter),
	}
}

// allow consumes one invocation for the key if both buckets permit it.
func (l *limiterSet) allow(userID, toolID string, limit RateLimit) bool {
	if limit.PerMinute <= 0 && limit.PerHour <= 0 {
		return true
	}
	key := userID + "|" + toolID

	l.mu.Lock()
	defer l.mu.Unlock()

	if limit.PerMinute > 0 {
		lim, ok := l.minute[key]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(float64(limit.PerMinute)/60.0), limit.PerMinute)
			l.minute[key] = lim
		}
		if !lim.Allow() {
			return false
		}
	}
	if limit.PerHour > 0 {
		lim, ok := l.hour[key]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(float64(limit.PerHour)/3600.0), limit.PerHour)
			l.hour[key] = lim
		}
		if !lim.Allow() {
			return false
		}
	}
	return true
}
