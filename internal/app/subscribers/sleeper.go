package subscribers

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// KindSleeper identifies Sleeper subscribers.
const KindSleeper = "sleeper"

// Sleeper simulates a processor whose work takes a fixed operation time.
type Sleeper struct {
	name          string
	operationTime time.Duration
	logger        *log.Logger

	ops       interrupter
	processed atomic.Uint64
}

// NewSleeper constructs a Sleeper. A nil logger logs to stdout.
func NewSleeper(name string, operationTime time.Duration, logger *log.Logger) *Sleeper {
	if logger == nil {
		logger = log.New(os.Stdout, "sleeper ", log.LstdFlags|log.Lmicroseconds)
	}
	if operationTime < 0 {
		operationTime = 0
	}
	return &Sleeper{name: name, operationTime: operationTime, logger: logger}
}

// OnPrice waits for the operation time unless cancelled first.
func (s *Sleeper) OnPrice(ctx context.Context, instrument string, price float64) error {
	opCtx, done := s.ops.begin(ctx)
	defer done()

	if s.operationTime > 0 {
		timer := time.NewTimer(s.operationTime)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-opCtx.Done():
			return fmt.Errorf("sleeper %s %s: %w", s.name, instrument, context.Cause(opCtx))
		}
	}
	s.processed.Add(1)
	s.logger.Printf("price processed: name=%s instrument=%s price=%f took=%s", s.name, instrument, price, s.operationTime)
	return nil
}

// Cancel interrupts every in-progress operation. It always succeeds.
func (s *Sleeper) Cancel() bool {
	if n := s.ops.interruptAll(); n > 0 {
		s.logger.Printf("processing cancelled: name=%s operations=%d", s.name, n)
	}
	return true
}

// Close interrupts outstanding work.
func (s *Sleeper) Close() error {
	s.ops.interruptAll()
	return nil
}

// Kind returns KindSleeper.
func (s *Sleeper) Kind() string { return KindSleeper }

// Name returns the configured name.
func (s *Sleeper) Name() string { return s.name }

// OperationTime returns the simulated processing time.
func (s *Sleeper) OperationTime() time.Duration { return s.operationTime }

// Processed reports how many prices completed processing.
func (s *Sleeper) Processed() uint64 { return s.processed.Load() }
