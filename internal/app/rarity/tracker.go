// Package rarity classifies instruments by how recently their price changed.
package rarity

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// Tracker records the last time each instrument changed. An instrument is rare once
// it has been stable for longer than a threshold. Instruments never seen are not rare.
type Tracker struct {
	clock Clock
	mu    sync.RWMutex
	last  map[string]time.Time
}

// NewTracker constructs an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{clock: systemClock{}, last: make(map[string]time.Time)}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// RecordChanges stamps every instrument in the batch with the current time.
func (t *Tracker) RecordChanges(changed map[string]float64) {
	if t == nil || len(changed) == 0 {
		return
	}
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for instrument := range changed {
		t.last[instrument] = now
	}
}

// IsRare reports whether instrument has a recorded change older than threshold.
func (t *Tracker) IsRare(instrument string, threshold time.Duration) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	last, ok := t.last[instrument]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return t.clock.Now().Sub(last) > threshold
}

// LastChanged returns the recorded change time for instrument.
func (t *Tracker) LastChanged(instrument string) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	last, ok := t.last[instrument]
	return last, ok
}

// Len reports how many instruments have been classified.
func (t *Tracker) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.last)
}
