// Package subscriptionstore defines persistence contracts for durable subscriber definitions.
package subscriptionstore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record captures a subscriber definition that survives restarts.
type Record struct {
	ID        uuid.UUID
	Kind      string
	Name      string
	Config    map[string]any
	CreatedAt time.Time
}

// Store abstracts persistence operations for subscriber definitions.
type Store interface {
	Save(ctx context.Context, record Record) error
	Delete(ctx context.Context, id uuid.UUID) error
	Load(ctx context.Context) ([]Record, error)
}

// CloneConfig returns a shallow copy of cfg.
func CloneConfig(cfg map[string]any) map[string]any {
	if len(cfg) == 0 {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}
