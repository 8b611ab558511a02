// Package memory provides an in-process subscription store used when no database is configured.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/pricegate/internal/domain/subscriptionstore"
)

// SubscriptionStore keeps subscriber definitions in memory.
type SubscriptionStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]subscriptionstore.Record
}

// NewSubscriptionStore constructs an empty SubscriptionStore.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{records: make(map[uuid.UUID]subscriptionstore.Record)}
}

// Save upserts record. The original creation time is kept on update.
func (s *SubscriptionStore) Save(ctx context.Context, record subscriptionstore.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.ID == uuid.Nil {
		return fmt.Errorf("subscription store: id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[record.ID]; ok {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.Config = subscriptionstore.CloneConfig(record.Config)
	s.records[record.ID] = record
	return nil
}

// Delete removes a record. Unknown ids are ignored.
func (s *SubscriptionStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

// Load returns every record ordered by creation time.
func (s *SubscriptionStore) Load(ctx context.Context) ([]subscriptionstore.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]subscriptionstore.Record, 0, len(s.records))
	for _, record := range s.records {
		record.Config = subscriptionstore.CloneConfig(record.Config)
		out = append(out, record)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b subscriptionstore.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	return out, nil
}
