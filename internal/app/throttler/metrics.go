package throttler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricegate/internal/infra/telemetry"
)

type metrics struct {
	dispatched metric.Int64Counter
	preempted  metric.Int64Counter
	skipped    metric.Int64Counter
	coalesced  metric.Int64Counter
	dropped    metric.Int64Counter
	evicted    metric.Int64Counter
	deferred   metric.Int64Counter
	rejected   metric.Int64Counter
	failures   metric.Int64Counter
	duration   metric.Float64Histogram
	inflight   metric.Int64UpDownCounter
}

func newMetrics(provider metric.MeterProvider) *metrics {
	meter := provider.Meter("throttler")
	m := new(metrics)
	m.dispatched, _ = meter.Int64Counter("throttler.ticks.dispatched",
		metric.WithDescription("Ticks dispatched to an idle subscriber slot"),
		metric.WithUnit("{tick}"))
	m.preempted, _ = meter.Int64Counter("throttler.ticks.preempted",
		metric.WithDescription("In-flight deliveries replaced by a newer rare-instrument tick"),
		metric.WithUnit("{tick}"))
	m.skipped, _ = meter.Int64Counter("throttler.ticks.skipped",
		metric.WithDescription("Ticks discarded because the in-flight delivery exceeded the soft timeout"),
		metric.WithUnit("{tick}"))
	m.coalesced, _ = meter.Int64Counter("throttler.ticks.coalesced",
		metric.WithDescription("Ticks folded into the pending delivery of a busy slot"),
		metric.WithUnit("{tick}"))
	m.dropped, _ = meter.Int64Counter("throttler.ticks.dropped",
		metric.WithDescription("Trailing prices discarded once the in-flight delivery exceeded the soft timeout"),
		metric.WithUnit("{tick}"))
	m.evicted, _ = meter.Int64Counter("throttler.ticks.evicted",
		metric.WithDescription("In-flight deliveries evicted after exceeding the hard timeout"),
		metric.WithUnit("{tick}"))
	m.deferred, _ = meter.Int64Counter("throttler.delivery.deferred",
		metric.WithDescription("Deliveries held back until the saturated worker pool frees a queue slot"),
		metric.WithUnit("{delivery}"))
	m.rejected, _ = meter.Int64Counter("throttler.delivery.rejected",
		metric.WithDescription("Deliveries refused by a closed worker pool"),
		metric.WithUnit("{delivery}"))
	m.failures, _ = meter.Int64Counter("throttler.delivery.failures",
		metric.WithDescription("Deliveries whose subscriber processing failed"),
		metric.WithUnit("{delivery}"))
	m.duration, _ = meter.Float64Histogram("throttler.delivery.duration",
		metric.WithDescription("Subscriber processing time per delivery"),
		metric.WithUnit("ms"))
	m.inflight, _ = meter.Int64UpDownCounter("throttler.inflight",
		metric.WithDescription("Deliveries currently tracked in flight"),
		metric.WithUnit("{delivery}"))
	return m
}

func (m *metrics) decision(ctx context.Context, counter metric.Int64Counter, instrument, kind string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(telemetry.TickAttributes(telemetry.Environment(), instrument, kind)...))
}

func (m *metrics) delivered(ctx context.Context, instrument, kind, result string, took time.Duration) {
	attrs := metric.WithAttributes(telemetry.DeliveryAttributes(telemetry.Environment(), instrument, kind, result)...)
	if m.duration != nil {
		m.duration.Record(ctx, float64(took.Microseconds())/1000, attrs)
	}
	if result == telemetry.ResultError && m.failures != nil {
		m.failures.Add(ctx, 1, attrs)
	}
}

func (m *metrics) track(ctx context.Context, delta int64) {
	if m.inflight == nil {
		return
	}
	m.inflight.Add(ctx, delta, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}
