package throttler

import (
	"context"
	"time"
)

// deliveryTask is the delivery owning a (subscriber, instrument) slot. Tasks are
// compared by pointer identity; a completion only clears the slot it still owns.
//
// Fields other than ctx and cancel are guarded by Throttler.mu. Until a worker starts
// the task its price may be replaced in place, so a queued or deferred delivery always
// carries the latest price. Once running, a newer price within the soft timeout is
// parked in pending and delivered by a follow-up task when this one completes.
type deliveryTask struct {
	instrument string
	price      float64
	interrupt  bool

	started   bool
	startedAt time.Time

	pending    float64
	hasPending bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newDeliveryTask(parent context.Context, instrument string, price float64, interrupt bool) *deliveryTask {
	ctx, cancel := context.WithCancel(parent)
	return &deliveryTask{
		instrument: instrument,
		price:      price,
		interrupt:  interrupt,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// elapsed returns how long the task has been running at now. Tasks still waiting for a
// worker report zero.
func (t *deliveryTask) elapsed(now time.Time) time.Duration {
	if !t.started {
		return 0
	}
	return now.Sub(t.startedAt)
}

// park keeps price for delivery after the running task completes. A later park
// overwrites it.
func (t *deliveryTask) park(price float64) {
	t.pending, t.hasPending = price, true
}

// clearPending discards the parked price and reports whether there was one.
func (t *deliveryTask) clearPending() bool {
	had := t.hasPending
	t.pending, t.hasPending = 0, false
	return had
}

func (t *deliveryTask) cancelled() bool { return t.ctx.Err() != nil }
