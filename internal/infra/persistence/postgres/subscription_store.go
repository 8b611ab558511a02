package postgres

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/pricegate/internal/domain/subscriptionstore"
)

const (
	upsertSubscriptionSQL = `
INSERT INTO subscriptions (id, kind, name, config, created_at)
VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))
ON CONFLICT (id) DO UPDATE
SET kind = EXCLUDED.kind,
    name = EXCLUDED.name,
    config = EXCLUDED.config,
    updated_at = NOW()`

	deleteSubscriptionSQL = `DELETE FROM subscriptions WHERE id = $1`

	listSubscriptionsSQL = `
SELECT id, kind, name, config, created_at
FROM subscriptions
ORDER BY created_at, id`
)

// SubscriptionStore persists subscriber definitions in the subscriptions table.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore constructs a SubscriptionStore backed by the provided pgx pool.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

func (s *SubscriptionStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("subscription store: nil pool")
	}
	return s.pool, nil
}

// Save upserts the record. The creation time of an existing row is preserved.
func (s *SubscriptionStore) Save(ctx context.Context, record subscriptionstore.Record) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if record.ID == uuid.Nil {
		return fmt.Errorf("subscription store: id required")
	}
	kind := strings.TrimSpace(record.Kind)
	if kind == "" {
		return fmt.Errorf("subscription store: kind required")
	}
	config := record.Config
	if config == nil {
		config = map[string]any{}
	}
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("subscription store: encode config: %w", err)
	}
	var createdAt any
	if !record.CreatedAt.IsZero() {
		createdAt = record.CreatedAt.UTC()
	}
	if _, err := pool.Exec(ctx, upsertSubscriptionSQL, record.ID, kind, strings.TrimSpace(record.Name), payload, createdAt); err != nil {
		return fmt.Errorf("subscription store: upsert %s: %w", record.ID, err)
	}
	return nil
}

// Delete removes a record. Unknown ids are ignored.
func (s *SubscriptionStore) Delete(ctx context.Context, id uuid.UUID) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteSubscriptionSQL, id); err != nil {
		return fmt.Errorf("subscription store: delete %s: %w", id, err)
	}
	return nil
}

// Load returns every record ordered by creation time.
func (s *SubscriptionStore) Load(ctx context.Context) ([]subscriptionstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listSubscriptionsSQL)
	if err != nil {
		return nil, fmt.Errorf("subscription store: select: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("subscription store: scan: %w", err)
	}
	return records, nil
}

func scanRecord(row pgx.CollectableRow) (subscriptionstore.Record, error) {
	var (
		record subscriptionstore.Record
		raw    []byte
	)
	if err := row.Scan(&record.ID, &record.Kind, &record.Name, &raw, &record.CreatedAt); err != nil {
		return subscriptionstore.Record{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &record.Config); err != nil {
			return subscriptionstore.Record{}, fmt.Errorf("decode config for %s: %w", record.ID, err)
		}
	}
	return record, nil
}
