package throttler

import "context"

// Subscriber consumes prices. OnPrice may block for as long as processing takes; it
// runs on a pool worker and should return promptly once ctx is cancelled. Cancel is a
// best-effort request to stop the subscriber's current work and reports whether the
// request was honoured.
//
// Subscribers are tracked by identity, so implementations must be comparable values,
// typically pointers.
type Subscriber interface {
	OnPrice(ctx context.Context, instrument string, price float64) error
	Cancel() bool
}

// Kinded is implemented by subscribers that label their metrics with a kind.
type Kinded interface {
	Kind() string
}

const defaultKind = "custom"

func kindOf(sub Subscriber) string {
	if k, ok := sub.(Kinded); ok {
		if kind := k.Kind(); kind != "" {
			return kind
		}
	}
	return defaultKind
}
