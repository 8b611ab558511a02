// Package fakes provides deterministic collaborators for pricegate tests.
package fakes

import (
	"sync"
	"time"
)

// Clock is a manually advanced time source satisfying the Now() contract used by
// the rarity tracker and the throttler.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock constructs a clock initialised to start, or the Unix epoch when zero.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by delta.
func (c *Clock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}
