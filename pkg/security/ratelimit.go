package security

import (
	"sync"
	"time"
)

const pruneHorizon = time.Hour

// Counts is a snapshot of recorded calls for one action key.
type Counts struct {
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
}

// RateLimiter enforces per-"module.action" sliding windows over the last
// minute and hour. Timestamps older than an hour are pruned on access.
type RateLimiter struct {
	mu             sync.Mutex
	callsPerMinute int
	callsPerHour   int
	history        map[string][]time.Time
	now            func() time.Time
}

// NewRateLimiter builds a limiter with the given windows. A limit of
// zero or less disables that window.
func NewRateLimiter(callsPerMinute, callsPerHour int) *RateLimiter {
	return &RateLimiter{
		callsPerMinute: callsPerMinute,
		callsPerHour:   callsPerHour,
		history:        make(map[string][]time.Time),
		now:            time.Now,
	}
}

// Check records one call for key if both windows have headroom, or
// returns a RateLimitError naming the exhausted window. Nothing is
// recorded on rejection.
func (r *RateLimiter) Check(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	calls := r.prune(key, now)

	if r.callsPerMinute > 0 {
		if n := countSince(calls, now.Add(-time.Minute)); n >= r.callsPerMinute {
			return &RateLimitError{ActionKey: key, Limit: r.callsPerMinute, Window: "minute"}
		}
	}
	if r.callsPerHour > 0 {
		if len(calls) >= r.callsPerHour {
			return &RateLimitError{ActionKey: key, Limit: r.callsPerHour, Window: "hour"}
		}
	}
	r.history[key] = append(calls, now)
	return nil
}

// CountsFor returns the current window counts for key without recording
// a call.
func (r *RateLimiter) CountsFor(key string) Counts {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	calls := r.prune(key, now)
	return Counts{
		Minute: countSince(calls, now.Add(-time.Minute)),
		Hour:   len(calls),
	}
}

// Reset clears recorded history for one key, or for every key when key
// is empty.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key == "" {
		r.history = make(map[string][]time.Time)
		return
	}
	delete(r.history, key)
}

// prune drops timestamps older than the hour horizon and returns the
// surviving slice. Caller holds the lock.
func (r *RateLimiter) prune(key string, now time.Time) []time.Time {
	calls := r.history[key]
	cutoff := now.Add(-pruneHorizon)
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		calls = calls[i:]
		if len(calls) == 0 {
			delete(r.history, key)
		} else {
			r.history[key] = calls
		}
	}
	return calls
}

func countSince(calls []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(calls) - 1; i >= 0; i-- {
		if !calls[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}
