package track

import (
	"time"

	"github.com/frostdev-ops/pma-hub/internal/core/loop"
)

// KeyedRateLimit remembers when each key last ran and defers actions that
// arrive before the key's interval has passed. At most one deferred action
// is pending per key.
type KeyedRateLimit[K comparable] struct {
	loop          *loop.Loop
	lastTriggered map[K]time.Time
	timers        map[K]*loop.Timer
}

// NewKeyedRateLimit creates a rate limiter scheduling on l.
func NewKeyedRateLimit[K comparable](l *loop.Loop) *KeyedRateLimit[K] {
	return &KeyedRateLimit[K]{
		loop:          l,
		lastTriggered: make(map[K]time.Time),
		timers:        make(map[K]*loop.Timer),
	}
}

// HasTimer reports whether a deferred action is pending for key.
func (r *KeyedRateLimit[K]) HasTimer(key K) bool {
	_, ok := r.timers[key]
	return ok
}

// Triggered records that key ran at now.
func (r *KeyedRateLimit[K]) Triggered(key K, now time.Time) {
	r.lastTriggered[key] = now
}

// ScheduleAction decides whether key may run at now. When it may not, the
// action is scheduled for the end of the interval (unless one already is)
// and the time it will run is returned with scheduled=true. A limit of
// zero or less never defers.
func (r *KeyedRateLimit[K]) ScheduleAction(key K, limit time.Duration, now time.Time, action func()) (next time.Time, scheduled bool) {
	if limit <= 0 {
		return time.Time{}, false
	}
	last, ok := r.lastTriggered[key]
	if !ok {
		return time.Time{}, false
	}
	next = last.Add(limit)
	if !next.After(now) {
		r.CancelTimer(key)
		return time.Time{}, false
	}
	if _, pending := r.timers[key]; !pending {
		var timer *loop.Timer
		timer = r.loop.CallAt(next, func() {
			if r.timers[key] == timer {
				delete(r.timers, key)
			}
			action()
		})
		r.timers[key] = timer
	}
	return next, true
}

// CancelTimer drops the pending action for key, if any.
func (r *KeyedRateLimit[K]) CancelTimer(key K) {
	if timer, ok := r.timers[key]; ok {
		timer.Cancel()
		delete(r.timers, key)
	}
}

// Remove cancels every pending action.
func (r *KeyedRateLimit[K]) Remove() {
	for key, timer := range r.timers {
		timer.Cancel()
		delete(r.timers, key)
	}
}
