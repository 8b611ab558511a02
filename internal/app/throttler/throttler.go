// Package throttler fans price ticks out to subscribers of unknown speed.
//
// Each (subscriber, instrument) pair owns a single delivery slot holding at most one
// delivery. A tick for a busy slot never adds a second one: a delivery still waiting
// for a worker takes the new price in place, rare instruments preempt the running
// delivery, and other ticks are parked as the slot's trailing price (or skipped once
// the running delivery has outlived the soft timeout). A delivery the saturated worker
// pool refuses keeps its slot and is retried as workers free up, so the latest price
// of a slot is never released undelivered.
package throttler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"reflect"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricegate/errs"
	"github.com/coachpo/pricegate/internal/domain/instrument"
	"github.com/coachpo/pricegate/internal/infra/telemetry"
	"github.com/coachpo/pricegate/lib/async"
)

var errThrottlerClosed = errors.New("throttler closed")

const (
	component = "throttler"

	defaultQueuePerSubscriber = 64
)

// Config bounds the engine.
type Config struct {
	// MaxSubscribers caps the registry and sizes the worker pool.
	MaxSubscribers int
	// SoftTimeout is the in-flight age after which a non-rare tick counts as skipped.
	SoftTimeout time.Duration
	// HardTimeout evicts non-rare deliveries older than this when a new tick arrives. 0 disables.
	HardTimeout time.Duration
	// RareThreshold is the stability period after which an instrument is rare.
	RareThreshold time.Duration
	// QueueSize buffers accepted deliveries awaiting a worker. 0 picks a size from MaxSubscribers.
	QueueSize int
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	invalid := func(msg string) error {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage(msg))
	}
	switch {
	case c.MaxSubscribers <= 0:
		return invalid("maxSubscribers must be > 0")
	case c.SoftTimeout < 0:
		return invalid("softTimeout must be >= 0")
	case c.HardTimeout < 0:
		return invalid("hardTimeout must be >= 0")
	case c.HardTimeout > 0 && c.HardTimeout < c.SoftTimeout:
		return invalid("hardTimeout must not be shorter than softTimeout")
	case c.RareThreshold < 0:
		return invalid("rareThreshold must be >= 0")
	case c.QueueSize < 0:
		return invalid("queueSize must be >= 0")
	}
	return nil
}

// Classifier tracks instrument change times and classifies rarity.
type Classifier interface {
	RecordChanges(changed map[string]float64)
	IsRare(instrument string, threshold time.Duration) bool
}

// SkipEvent describes a tick discarded because the slot's delivery exceeded the soft timeout.
type SkipEvent struct {
	SubscriberID uuid.UUID
	Instrument   string
	Price        float64
	Elapsed      time.Duration
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	InFlight    int    `json:"inFlight"`
	Dispatched  uint64 `json:"dispatched"`
	Preempted   uint64 `json:"preempted"`
	Skipped     uint64 `json:"skipped"`
	Coalesced   uint64 `json:"coalesced"`
	Dropped     uint64 `json:"dropped"`
	Evicted     uint64 `json:"evicted"`
	Deferred    uint64 `json:"deferred"`
	Failed      uint64 `json:"failed"`
	Rejected    uint64 `json:"rejected"`
	Invalid     uint64 `json:"invalid"`
}

// Registration describes a registered subscriber.
type Registration struct {
	ID         uuid.UUID
	Subscriber Subscriber
	Kind       string
	InFlight   []string
}

type entry struct {
	id      uuid.UUID
	sub     Subscriber
	kind    string
	tasks   map[string]*deliveryTask
	removed bool
}

type decision int

const (
	decisionDispatch decision = iota
	decisionFollowUp
	decisionPreempt
	decisionEvict
	decisionSkip
	decisionCoalesce
)

type plan struct {
	entry      *entry
	decision   decision
	instrument string
	price      float64
	task       *deliveryTask
	elapsed    time.Duration
	deferred   bool
	dropped    bool
	submitErr  error
}

type deferredDelivery struct {
	entry *entry
	task  *deliveryTask
}

type counters struct {
	dispatched atomic.Uint64
	preempted  atomic.Uint64
	skipped    atomic.Uint64
	coalesced  atomic.Uint64
	dropped    atomic.Uint64
	evicted    atomic.Uint64
	deferred   atomic.Uint64
	failed     atomic.Uint64
	rejected   atomic.Uint64
	invalid    atomic.Uint64
}

// Throttler owns the subscriber registry and the in-flight delivery index.
type Throttler struct {
	cfg        Config
	classifier Classifier

	logger        *log.Logger
	clock         Clock
	validate      func(string) error
	onSkip        func(SkipEvent)
	meterProvider metric.MeterProvider
	metrics       *metrics
	pool          *async.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	entries  []*entry
	byID     map[uuid.UUID]*entry
	bySub    map[Subscriber]*entry
	backlog  []deferredDelivery
	inflight int
	closed   bool

	counters counters
}

// New constructs a throttler backed by a worker pool of cfg.MaxSubscribers workers.
func New(cfg Config, classifier Classifier, opts ...Option) (*Throttler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("classifier required"))
	}
	queue := cfg.QueueSize
	if queue == 0 {
		queue = cfg.MaxSubscribers * defaultQueuePerSubscriber
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Throttler{
		cfg:           cfg,
		classifier:    classifier,
		logger:        log.New(os.Stdout, "throttler ", log.LstdFlags|log.Lmicroseconds),
		clock:         systemClock{},
		validate:      instrument.Validate,
		meterProvider: otel.GetMeterProvider(),
		ctx:           ctx,
		cancel:        cancel,
		byID:          make(map[uuid.UUID]*entry),
		bySub:         make(map[Subscriber]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.metrics = newMetrics(t.meterProvider)

	workers, err := async.NewPool(cfg.MaxSubscribers, queue, async.WithPanicHandler(func(r any) {
		t.logger.Printf("worker panic recovered: %v", r)
	}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("throttler pool: %w", err)
	}
	t.pool = workers
	return t, nil
}

// Subscribe registers sub and returns its identifier. Registering an instance that is
// already present returns the existing identifier.
func (t *Throttler) Subscribe(sub Subscriber) (uuid.UUID, error) {
	if sub == nil || !reflect.TypeOf(sub).Comparable() {
		return uuid.Nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("subscriber must be a non-nil comparable value"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return uuid.Nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("throttler closed"))
	}
	if existing, ok := t.bySub[sub]; ok {
		t.logger.Printf("subscriber already registered: id=%s", existing.id)
		return existing.id, nil
	}
	if len(t.entries) >= t.cfg.MaxSubscribers {
		t.logger.Printf("subscriber rejected: capacity=%d", t.cfg.MaxSubscribers)
		return uuid.Nil, errs.New(component, errs.CodeConflict,
			errs.WithMessage("subscriber registry full"),
			errs.WithCanonicalCode(errs.CanonicalCapacityExceeded),
			errs.WithField("max_subscribers", strconv.Itoa(t.cfg.MaxSubscribers)),
			errs.WithRemediation("unsubscribe an idle subscriber or raise maxSubscribers"))
	}

	e := &entry{id: uuid.New(), sub: sub, kind: kindOf(sub), tasks: make(map[string]*deliveryTask)}
	t.entries = append(t.entries, e)
	t.byID[e.id] = e
	t.bySub[sub] = e
	t.logger.Printf("subscriber registered: id=%s kind=%s total=%d", e.id, e.kind, len(t.entries))
	return e.id, nil
}

// Unsubscribe removes sub. In-flight deliveries are left to drain. Unknown subscribers
// are ignored and reported with false.
func (t *Throttler) Unsubscribe(sub Subscriber) bool {
	if sub == nil || !reflect.TypeOf(sub).Comparable() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.bySub[sub]
	if !ok {
		t.logger.Printf("unsubscribe ignored: unknown subscriber")
		return false
	}
	t.removeLocked(e)
	return true
}

// UnsubscribeID removes the subscriber registered under id and returns it.
func (t *Throttler) UnsubscribeID(id uuid.UUID) (Subscriber, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		t.logger.Printf("unsubscribe ignored: unknown subscriber id=%s", id)
		return nil, false
	}
	t.removeLocked(e)
	return e.sub, true
}

// removeLocked drops e from the registry. Trailing prices parked for e are discarded
// when their running delivery completes.
func (t *Throttler) removeLocked(e *entry) {
	e.removed = true
	t.entries = slices.DeleteFunc(t.entries, func(candidate *entry) bool { return candidate == e })
	delete(t.byID, e.id)
	delete(t.bySub, e.sub)
	t.logger.Printf("subscriber unsubscribed: id=%s draining=%d total=%d", e.id, len(e.tasks), len(t.entries))
}

// Lookup returns the subscriber registered under id.
func (t *Throttler) Lookup(id uuid.UUID) (Subscriber, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return e.sub, true
}

// ID returns the identifier assigned to sub.
func (t *Throttler) ID(sub Subscriber) (uuid.UUID, bool) {
	if sub == nil || !reflect.TypeOf(sub).Comparable() {
		return uuid.Nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.bySub[sub]
	if !ok {
		return uuid.Nil, false
	}
	return e.id, true
}

// Subscribers returns the registry in subscription order.
func (t *Throttler) Subscribers() []Registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Registration, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, Registration{
			ID:         e.id,
			Subscriber: e.sub,
			Kind:       e.kind,
			InFlight:   slices.Sorted(maps.Keys(e.tasks)),
		})
	}
	return out
}

// InFlight reports how many deliveries the subscriber currently has outstanding.
func (t *Throttler) InFlight(id uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byID[id]; ok {
		return len(e.tasks)
	}
	return 0
}

// CancelAll asks every registered subscriber to cancel its current work and reports
// whether all of them succeeded. Every subscriber is asked even after a refusal.
func (t *Throttler) CancelAll() bool {
	t.mu.Lock()
	targets := slices.Clone(t.entries)
	t.mu.Unlock()
	if len(targets) == 0 {
		return true
	}

	p := pool.NewWithResults[bool]().WithMaxGoroutines(len(targets))
	for _, e := range targets {
		p.Go(func() bool { return t.cancelSubscriber(e) })
	}
	ok := true
	for _, cancelled := range p.Wait() {
		ok = ok && cancelled
	}
	return ok
}

func (t *Throttler) cancelSubscriber(e *entry) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Printf("subscriber cancel panicked: id=%s err=%v", e.id, r)
			ok = false
		}
	}()
	ok = e.sub.Cancel()
	if !ok {
		t.logger.Printf("subscriber cancel refused: id=%s", e.id)
	}
	return ok
}

// OnTick applies the dispatch policy for one tick to every registered subscriber,
// classifying rarity from the tracker's current state.
func (t *Throttler) OnTick(instrument string, price float64) {
	if !t.accept(instrument) {
		return
	}
	t.dispatch(t.ctx, instrument, price, t.classifier.IsRare(instrument, t.cfg.RareThreshold))
}

// OnRatesChanged ingests a batch of changed rates from the tick source. Rarity is
// classified against the state preceding the batch, then the batch is recorded, then
// each tick is dispatched in instrument order.
func (t *Throttler) OnRatesChanged(ctx context.Context, rates map[string]float64) {
	accepted := make(map[string]float64, len(rates))
	for code, price := range rates {
		if t.accept(code) {
			accepted[code] = price
		}
	}
	if len(accepted) == 0 {
		return
	}

	instruments := slices.Sorted(maps.Keys(accepted))
	rare := make(map[string]bool, len(instruments))
	for _, code := range instruments {
		rare[code] = t.classifier.IsRare(code, t.cfg.RareThreshold)
	}
	t.classifier.RecordChanges(accepted)

	for _, code := range instruments {
		if ctx.Err() != nil {
			return
		}
		t.dispatch(ctx, code, accepted[code], rare[code])
	}
}

func (t *Throttler) accept(code string) bool {
	if t.validate == nil {
		return true
	}
	if err := t.validate(code); err != nil {
		t.counters.invalid.Add(1)
		t.logger.Printf("tick rejected: instrument=%q err=%v", code, err)
		return false
	}
	return true
}

func (t *Throttler) dispatch(ctx context.Context, code string, price float64, rare bool) {
	now := t.clock.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	plans := make([]plan, 0, len(t.entries))
	deferred := false
	for _, e := range t.entries {
		p := t.decideLocked(e, code, price, rare, now)
		deferred = deferred || p.deferred
		plans = append(plans, p)
	}
	t.mu.Unlock()

	for _, p := range plans {
		t.execute(ctx, p)
	}
	if deferred {
		t.drainBacklog()
	}
}

func (t *Throttler) decideLocked(e *entry, code string, price float64, rare bool, now time.Time) plan {
	current, busy := e.tasks[code]
	if !busy {
		task := newDeliveryTask(t.ctx, code, price, false)
		e.tasks[code] = task
		t.inflight++
		return t.enqueueLocked(plan{entry: e, decision: decisionDispatch, instrument: code, price: price, task: task})
	}
	if !current.started {
		current.price = price
		return plan{entry: e, decision: decisionCoalesce, instrument: code, price: price, task: current}
	}

	elapsed := current.elapsed(now)
	switch {
	case rare:
		return t.replaceLocked(e, current, decisionPreempt, code, price, elapsed)
	case t.cfg.HardTimeout > 0 && elapsed > t.cfg.HardTimeout:
		return t.replaceLocked(e, current, decisionEvict, code, price, elapsed)
	case elapsed > t.cfg.SoftTimeout:
		dropped := current.clearPending()
		return plan{entry: e, decision: decisionSkip, instrument: code, price: price, task: current, elapsed: elapsed, dropped: dropped}
	default:
		current.park(price)
		return plan{entry: e, decision: decisionCoalesce, instrument: code, price: price, task: current, elapsed: elapsed}
	}
}

// replaceLocked cancels the running delivery and hands the slot to a new one carrying
// price. The subscriber's cooperative cancel runs in the replacement's worker.
func (t *Throttler) replaceLocked(e *entry, previous *deliveryTask, d decision, code string, price float64, elapsed time.Duration) plan {
	previous.cancel()
	task := newDeliveryTask(t.ctx, code, price, true)
	e.tasks[code] = task
	return t.enqueueLocked(plan{entry: e, decision: d, instrument: code, price: price, task: task, elapsed: elapsed})
}

// enqueueLocked hands p.task to the pool. A saturated pool defers the task: it keeps
// its slot and is submitted again by drainBacklog.
func (t *Throttler) enqueueLocked(p plan) plan {
	err := t.pool.Submit(p.task.ctx, t.deliver(p.entry, p.task))
	switch {
	case err == nil:
	case errs.IsCanonical(err, errs.CanonicalPoolSaturated):
		t.backlog = append(t.backlog, deferredDelivery{entry: p.entry, task: p.task})
		p.deferred = true
	default:
		p.submitErr = err
	}
	return p
}

// drainBacklog resubmits deferred deliveries in arrival order until the pool refuses.
func (t *Throttler) drainBacklog() {
	type refusal struct {
		item deferredDelivery
		err  error
	}
	var refused []refusal

	t.mu.Lock()
	for len(t.backlog) > 0 {
		item := t.backlog[0]
		err := t.pool.Submit(item.task.ctx, t.deliver(item.entry, item.task))
		if errs.IsCanonical(err, errs.CanonicalPoolSaturated) {
			break
		}
		t.backlog[0] = deferredDelivery{}
		t.backlog = t.backlog[1:]
		if err != nil {
			refused = append(refused, refusal{item: item, err: err})
		}
	}
	if len(t.backlog) == 0 {
		t.backlog = nil
	}
	t.mu.Unlock()

	for _, r := range refused {
		t.reject(r.item.entry, r.item.task, r.err)
	}
}

func (t *Throttler) execute(ctx context.Context, p plan) {
	e := p.entry
	switch p.decision {
	case decisionDispatch:
		t.counters.dispatched.Add(1)
		t.metrics.decision(ctx, t.metrics.dispatched, p.instrument, e.kind)
		t.metrics.track(ctx, 1)
	case decisionFollowUp:
		t.counters.dispatched.Add(1)
		t.metrics.decision(ctx, t.metrics.dispatched, p.instrument, e.kind)
	case decisionPreempt:
		t.counters.preempted.Add(1)
		t.metrics.decision(ctx, t.metrics.preempted, p.instrument, e.kind)
		t.logger.Printf("delivery preempted: subscriber=%s instrument=%s age=%s", e.id, p.instrument, p.elapsed)
	case decisionEvict:
		t.counters.evicted.Add(1)
		t.metrics.decision(ctx, t.metrics.evicted, p.instrument, e.kind)
		t.logger.Printf("delivery evicted: subscriber=%s instrument=%s age=%s hard_timeout=%s",
			e.id, p.instrument, p.elapsed, t.cfg.HardTimeout)
	case decisionSkip:
		t.counters.skipped.Add(1)
		t.metrics.decision(ctx, t.metrics.skipped, p.instrument, e.kind)
		if p.dropped {
			t.counters.dropped.Add(1)
			t.metrics.decision(ctx, t.metrics.dropped, p.instrument, e.kind)
		}
		if t.onSkip != nil {
			t.onSkip(SkipEvent{SubscriberID: e.id, Instrument: p.instrument, Price: p.price, Elapsed: p.elapsed})
		}
		return
	case decisionCoalesce:
		t.counters.coalesced.Add(1)
		t.metrics.decision(ctx, t.metrics.coalesced, p.instrument, e.kind)
		return
	}

	switch {
	case p.deferred:
		t.counters.deferred.Add(1)
		t.metrics.decision(ctx, t.metrics.deferred, p.instrument, e.kind)
		t.logger.Printf("delivery deferred: subscriber=%s instrument=%s reason=pool saturated", e.id, p.instrument)
	case p.submitErr != nil:
		t.reject(e, p.task, p.submitErr)
	}
}

func (t *Throttler) reject(e *entry, task *deliveryTask, err error) {
	t.counters.rejected.Add(1)
	t.metrics.decision(t.ctx, t.metrics.rejected, task.instrument, e.kind)
	t.logger.Printf("delivery rejected: subscriber=%s instrument=%s err=%v", e.id, task.instrument, err)
	t.complete(e, task, err)
}

// deliver builds the worker body. Picking the job up frees a queue slot, so deferred
// deliveries are resubmitted first. The subscriber's cooperative cancel for a
// preempted slot runs here rather than on the ingestion path.
func (t *Throttler) deliver(e *entry, task *deliveryTask) async.Task {
	return func(ctx context.Context) {
		t.drainBacklog()

		var err error
		defer func() { t.complete(e, task, err) }()
		if err = ctx.Err(); err != nil {
			return
		}

		t.mu.Lock()
		task.started = true
		task.startedAt = t.clock.Now()
		price, interrupt := task.price, task.interrupt
		t.mu.Unlock()

		if interrupt {
			t.cancelSubscriber(e)
		}

		start := time.Now()
		err = t.process(ctx, e, task.instrument, price)
		took := time.Since(start)

		result := telemetry.ResultSuccess
		switch {
		case err == nil:
		case task.cancelled() || errors.Is(err, context.Canceled):
			result = telemetry.ResultCancelled
		default:
			result = telemetry.ResultError
			t.counters.failed.Add(1)
			t.logger.Printf("delivery failed: subscriber=%s instrument=%s err=%v", e.id, task.instrument, err)
		}
		t.metrics.delivered(ctx, task.instrument, e.kind, result, took)
	}
}

func (t *Throttler) process(ctx context.Context, e *entry, code string, price float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(component, errs.CodeUnavailable,
				errs.WithMessage(fmt.Sprintf("subscriber panic: %v", r)),
				errs.WithField("subscriber", e.id.String()))
		}
	}()
	return e.sub.OnPrice(ctx, code, price)
}

// complete ends task. If task still owns its slot, the slot passes to a follow-up
// delivery of the parked trailing price or, without one, is released.
func (t *Throttler) complete(e *entry, task *deliveryTask, _ error) {
	var (
		followUp plan
		next     bool
		released bool
		dropped  bool
	)
	t.mu.Lock()
	if e.tasks[task.instrument] == task {
		if task.hasPending && !t.closed && !e.removed {
			successor := newDeliveryTask(t.ctx, task.instrument, task.pending, false)
			e.tasks[task.instrument] = successor
			followUp = t.enqueueLocked(plan{entry: e, decision: decisionFollowUp,
				instrument: task.instrument, price: task.pending, task: successor})
			next = true
		} else {
			dropped = task.hasPending
			delete(e.tasks, task.instrument)
			t.inflight--
			released = true
		}
	}
	t.mu.Unlock()
	task.cancel()

	if dropped {
		t.counters.dropped.Add(1)
		t.metrics.decision(context.Background(), t.metrics.dropped, task.instrument, e.kind)
	}
	if released {
		t.metrics.track(context.Background(), -1)
	}
	if next {
		t.execute(t.ctx, followUp)
	}
	t.drainBacklog()
}

// Stats returns a snapshot of the engine counters.
func (t *Throttler) Stats() Stats {
	t.mu.Lock()
	subscribers, inflight := len(t.entries), t.inflight
	t.mu.Unlock()
	return Stats{
		Subscribers: subscribers,
		InFlight:    inflight,
		Dispatched:  t.counters.dispatched.Load(),
		Preempted:   t.counters.preempted.Load(),
		Skipped:     t.counters.skipped.Load(),
		Coalesced:   t.counters.coalesced.Load(),
		Dropped:     t.counters.dropped.Load(),
		Evicted:     t.counters.evicted.Load(),
		Deferred:    t.counters.deferred.Load(),
		Failed:      t.counters.failed.Load(),
		Rejected:    t.counters.rejected.Load(),
		Invalid:     t.counters.invalid.Load(),
	}
}

// Close stops dispatching and waits for accepted deliveries to finish or ctx to end,
// after which remaining deliveries are cancelled.
func (t *Throttler) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	backlog := t.backlog
	t.backlog = nil
	t.mu.Unlock()

	for _, item := range backlog {
		t.complete(item.entry, item.task, errThrottlerClosed)
	}
	err := t.pool.Shutdown(ctx)
	t.cancel()
	if err != nil {
		return fmt.Errorf("throttler close: %w", err)
	}
	return nil
}
