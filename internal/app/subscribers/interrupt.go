// Package subscribers provides the concrete price consumers registered with the throttler.
package subscribers

import (
	"context"
	"sync"
)

// interrupter tracks in-progress operations so a cooperative cancel can abort them.
type interrupter struct {
	mu      sync.Mutex
	next    uint64
	cancels map[uint64]context.CancelFunc
}

// begin derives a context that is cancelled by interruptAll. The returned func must
// be called when the operation ends.
func (i *interrupter) begin(ctx context.Context) (context.Context, func()) {
	opCtx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	if i.cancels == nil {
		i.cancels = make(map[uint64]context.CancelFunc)
	}
	id := i.next
	i.next++
	i.cancels[id] = cancel
	i.mu.Unlock()
	return opCtx, func() {
		i.mu.Lock()
		delete(i.cancels, id)
		i.mu.Unlock()
		cancel()
	}
}

// interruptAll cancels every in-progress operation and reports how many were running.
func (i *interrupter) interruptAll() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := len(i.cancels)
	for id, cancel := range i.cancels {
		cancel()
		delete(i.cancels, id)
	}
	return n
}
