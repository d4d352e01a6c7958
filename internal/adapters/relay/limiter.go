package relay

import (
	"sync"
	"time"

	"github.com/dkeye/podcast/internal/domain"
)

// RateLimiter is a sliding window over join attempts per participant.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ParticipantID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[domain.ParticipantID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records a join attempt. When the window is full it returns false and
// how long until the oldest attempt leaves the window.
func (rl *RateLimiter) Allow(id domain.ParticipantID) (bool, time.Duration) {
	if rl == nil || rl.limit <= 0 {
		return true, 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)
	rl.sweep(id, windowStart)

	fresh := trim(rl.history[id], windowStart)
	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false, fresh[0].Add(rl.interval).Sub(now)
	}
	rl.history[id] = append(fresh, now)
	return true, 0
}

// sweep drops idle histories so ids that never return do not pile up.
func (rl *RateLimiter) sweep(skip domain.ParticipantID, windowStart time.Time) {
	for id, attempts := range rl.history {
		if id != skip && !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, id)
		}
	}
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}

func trim(attempts []time.Time, windowStart time.Time) []time.Time {
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}
