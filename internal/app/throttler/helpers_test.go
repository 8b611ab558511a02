package throttler

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	rareInstrument     = "EURUSD"
	frequentInstrument = "GBPUSD"
)

// recordingSubscriber records every price it starts processing. Processing waits for
// latency, for release to close, or for cancellation, whichever comes first.
type recordingSubscriber struct {
	latency      time.Duration
	release      chan struct{}
	err          error
	panicValue   any
	cancelResult bool

	cancels atomic.Int32

	mu        sync.Mutex
	received  map[string][]float64
	active    map[string]int
	maxActive map[string]int
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{
		cancelResult: true,
		received:     make(map[string][]float64),
		active:       make(map[string]int),
		maxActive:    make(map[string]int),
	}
}

func (s *recordingSubscriber) OnPrice(ctx context.Context, instrument string, price float64) error {
	s.mu.Lock()
	s.received[instrument] = append(s.received[instrument], price)
	s.active[instrument]++
	if s.active[instrument] > s.maxActive[instrument] {
		s.maxActive[instrument] = s.active[instrument]
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active[instrument]--
		s.mu.Unlock()
	}()

	if s.panicValue != nil {
		panic(s.panicValue)
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

func (s *recordingSubscriber) Cancel() bool {
	s.cancels.Add(1)
	return s.cancelResult
}

func (s *recordingSubscriber) Kind() string { return "recording" }

func (s *recordingSubscriber) last(instrument string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prices := s.received[instrument]
	if len(prices) == 0 {
		return 0, false
	}
	return prices[len(prices)-1], true
}

func (s *recordingSubscriber) count(instrument string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received[instrument])
}

func (s *recordingSubscriber) activeNow(instrument string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[instrument]
}

func (s *recordingSubscriber) peakActive(instrument string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive[instrument]
}

type stubClassifier struct {
	mu      sync.Mutex
	rare    map[string]bool
	batches []map[string]float64
}

func newStubClassifier(rare ...string) *stubClassifier {
	c := &stubClassifier{rare: make(map[string]bool)}
	for _, code := range rare {
		c.rare[code] = true
	}
	return c
}

func (c *stubClassifier) RecordChanges(changed map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, changed)
}

func (c *stubClassifier) IsRare(instrument string, _ time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rare[instrument]
}

func newTestThrottler(t *testing.T, cfg Config, classifier Classifier, opts ...Option) *Throttler {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	th, err := New(cfg, classifier, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = th.Close(ctx)
	})
	return th
}

func waitActive(t *testing.T, sub *recordingSubscriber, instrument string) {
	t.Helper()
	require.Eventually(t, func() bool { return sub.activeNow(instrument) == 1 }, time.Second, time.Millisecond)
}
