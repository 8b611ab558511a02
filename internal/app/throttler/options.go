package throttler

import (
	"log"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Throttler.
type Option func(*Throttler)

// WithLogger overrides the default stdout logger.
func WithLogger(logger *log.Logger) Option {
	return func(t *Throttler) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the time source used for task ages.
func WithClock(clock Clock) Option {
	return func(t *Throttler) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithSkipHook registers a callback fired whenever a tick is skipped because the
// in-flight delivery exceeded the soft timeout.
func WithSkipHook(hook func(SkipEvent)) Option {
	return func(t *Throttler) {
		t.onSkip = hook
	}
}

// WithMeterProvider sets the provider metric instruments are created from.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(t *Throttler) {
		if provider != nil {
			t.meterProvider = provider
		}
	}
}

// WithValidator replaces the instrument validator. A nil validator accepts every instrument.
func WithValidator(validate func(string) error) Option {
	return func(t *Throttler) {
		t.validate = validate
	}
}
