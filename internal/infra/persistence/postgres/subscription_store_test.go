package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/pricegate/internal/domain/subscriptionstore"
	"github.com/coachpo/pricegate/internal/infra/persistence/migrations"
)

func TestSubscriptionStoreNilPool(t *testing.T) {
	store := NewSubscriptionStore(nil)
	ctx := context.Background()
	require.Error(t, store.Save(ctx, subscriptionstore.Record{ID: uuid.New(), Kind: "sleeper"}))
	require.Error(t, store.Delete(ctx, uuid.New()))
	_, err := store.Load(ctx)
	require.Error(t, err)
}

func TestConnectRequiresDSN(t *testing.T) {
	_, err := Connect(context.Background(), PoolConfig{})
	require.Error(t, err)
	_, err = Connect(context.Background(), PoolConfig{DSN: "://not a dsn"})
	require.Error(t, err)
}

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "pricegate"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:secret@%s:%s/pricegate?sslmode=disable", host, port.Port())
}

func TestSubscriptionStorePostgres(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	require.NoError(t, migrations.Apply(ctx, dsn, "", nil))
	require.NoError(t, migrations.Apply(ctx, dsn, "", nil), "second apply is a no-op")

	pool, err := Connect(ctx, PoolConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, ObservePoolMetrics(pool, "test"))

	store := NewSubscriptionStore(pool)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sleeper := subscriptionstore.Record{
		ID:        uuid.New(),
		Kind:      "sleeper",
		Name:      "slow-consumer",
		Config:    map[string]any{"operationTimeMs": 1500},
		CreatedAt: created,
	}
	webhook := subscriptionstore.Record{
		ID:     uuid.New(),
		Kind:   "webhook",
		Name:   "hook",
		Config: map[string]any{"url": "https://example.com/prices"},
	}
	require.NoError(t, store.Save(ctx, sleeper))
	require.NoError(t, store.Save(ctx, webhook))

	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, sleeper.ID, records[0].ID)
	require.True(t, created.Equal(records[0].CreatedAt))
	require.InDelta(t, 1500, records[0].Config["operationTimeMs"], 0)
	require.Equal(t, "https://example.com/prices", records[1].Config["url"])

	sleeper.Name = "renamed"
	sleeper.CreatedAt = time.Time{}
	require.NoError(t, store.Save(ctx, sleeper))
	records, err = store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "renamed", records[0].Name)
	require.True(t, created.Equal(records[0].CreatedAt), "upsert keeps creation time")

	require.NoError(t, store.Delete(ctx, sleeper.ID))
	records, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, webhook.ID, records[0].ID)

	require.NoError(t, migrations.Rollback(ctx, dsn, "", 1, nil))
	_, err = store.Load(ctx)
	require.Error(t, err, "table dropped by rollback")
}
