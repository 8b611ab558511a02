// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coachpo/pricegate/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context)

// PanicHandler receives values recovered from panicking tasks.
type PanicHandler func(recovered any)

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler installs a callback for recovered task panics.
func WithPanicHandler(handler PanicHandler) Option {
	return func(p *Pool) {
		p.onPanic = handler
	}
}

// Pool defines a bounded worker pool enforcing backpressure when saturated.
// Submission never blocks: work that cannot be queued is refused.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup

	running atomic.Int64
	onPanic PanicHandler
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, jobs: make(chan job, queue)}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task without blocking. Every accepted task is invoked exactly
// once, even when its context is already cancelled, so callers can rely on the task
// body for cleanup.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.pending.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.pending.Done()
		return errs.New("lib/async", errs.CodeUnavailable,
			errs.WithMessage("pool at capacity"),
			errs.WithCanonicalCode(errs.CanonicalPoolSaturated))
	}
}

// Running reports the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Queued reports the number of accepted tasks not yet picked up by a worker.
func (p *Pool) Queued() int {
	return len(p.jobs)
}

// Close stops accepting new tasks. Already accepted tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Shutdown closes the pool and waits for accepted tasks to complete or until the
// context expires. On expiry the contexts handed to running tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(j job) {
	ctx, stop := mergeCancel(j.ctx, p.ctx)
	p.running.Add(1)
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
		stop()
		p.running.Add(-1)
		p.pending.Done()
	}()
	j.fn(ctx)
}

// mergeCancel derives a context from primary that is also cancelled when secondary ends.
func mergeCancel(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
