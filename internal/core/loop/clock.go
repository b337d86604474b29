package loop

import (
	"sync"
	"time"
)

// Clock supplies the loop's notion of "now".
type Clock interface {
	Now() time.Time
	// Manual reports whether time only moves through Advance.
	Manual() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }
func (realClock) Manual() bool   { return false }

// ManualClock is a clock that only moves when advanced. Timers scheduled on a
// loop driven by a ManualClock become due when Advance crosses their deadline.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time

	onAdvance func()
}

// NewManualClock returns a manual clock starting at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *ManualClock) Manual() bool { return true }

// Advance moves the clock forward by d and wakes the loop so due timers fire.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	wake := c.onAdvance
	c.mu.Unlock()

	if wake != nil {
		wake()
	}
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t.UTC()
	}
	wake := c.onAdvance
	c.mu.Unlock()

	if wake != nil {
		wake()
	}
}

func (c *ManualClock) attach(wake func()) {
	c.mu.Lock()
	c.onAdvance = wake
	c.mu.Unlock()
}
