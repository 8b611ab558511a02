// Package errs provides structured error types and helpers for pricegate services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a transport-agnostic error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates the request conflicts with current state (capacity, duplicates).
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures domain-level error categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalCapacityExceeded indicates the subscriber registry is full.
	CanonicalCapacityExceeded CanonicalCode = "capacity_exceeded"
	// CanonicalUnknownSubscriber indicates the referenced subscriber is not registered.
	CanonicalUnknownSubscriber CanonicalCode = "unknown_subscriber"
	// CanonicalDuplicateSubscriber indicates the subscriber instance is already registered.
	CanonicalDuplicateSubscriber CanonicalCode = "duplicate_subscriber"
	// CanonicalInvalidInstrument indicates a malformed or unsupported instrument identifier.
	CanonicalInvalidInstrument CanonicalCode = "invalid_instrument"
	// CanonicalPoolSaturated indicates the worker pool refused new work.
	CanonicalPoolSaturated CanonicalCode = "pool_saturated"
)

// E captures structured error information produced across the pricegate stack.
type E struct {
	Component   string
	Code        Code
	Message     string
	Canonical   CanonicalCode
	Fields      map[string]string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		Message:     "",
		Canonical:   CanonicalUnknown,
		Fields:      nil,
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single key/value pair of diagnostic context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether any envelope in err's chain carries the provided code.
func IsCode(err error, code Code) bool {
	var target *E
	for err != nil {
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.cause
	}
	return false
}

// IsCanonical reports whether any envelope in err's chain carries the canonical code.
func IsCanonical(err error, code CanonicalCode) bool {
	var target *E
	for err != nil {
		if !errors.As(err, &target) {
			return false
		}
		if target.Canonical == code {
			return true
		}
		err = target.cause
	}
	return false
}
