package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for pricegate telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrInstrument captures the currency pair a tick or delivery refers to (e.g. EURUSD).
	AttrInstrument = attribute.Key("instrument")
	// AttrSubscriberKind labels deliveries by concrete subscriber implementation.
	AttrSubscriberKind = attribute.Key("subscriber.kind")
	// AttrDecision records the dispatch decision taken for a tick.
	AttrDecision = attribute.Key("decision")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
	// AttrOperation differentiates control and persistence operations.
	AttrOperation = attribute.Key("operation")
)

// Dispatch decision values.
const (
	DecisionDispatched = "dispatched"
	DecisionPreempted  = "preempted"
	DecisionSkipped    = "skipped"
	DecisionCoalesced  = "coalesced"
	DecisionDropped    = "dropped"
	DecisionEvicted    = "evicted"
	DecisionDeferred   = "deferred"
	DecisionRejected   = "rejected"
)

// Result values.
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultCancelled = "cancelled"
)

// TickAttributes returns common attributes for per-tick dispatch metrics.
func TickAttributes(environment, instrument, subscriberKind string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrInstrument.String(instrument),
	}
	if subscriberKind != "" {
		attrs = append(attrs, AttrSubscriberKind.String(subscriberKind))
	}
	return attrs
}

// DeliveryAttributes returns attributes for delivery outcome metrics.
func DeliveryAttributes(environment, instrument, subscriberKind, result string) []attribute.KeyValue {
	return append(TickAttributes(environment, instrument, subscriberKind), AttrResult.String(result))
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
