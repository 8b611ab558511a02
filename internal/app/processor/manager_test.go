package processor

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricegate/errs"
	"github.com/coachpo/pricegate/internal/app/rarity"
	"github.com/coachpo/pricegate/internal/app/subscribers"
	"github.com/coachpo/pricegate/internal/app/throttler"
	"github.com/coachpo/pricegate/internal/domain/subscriptionstore"
	"github.com/coachpo/pricegate/internal/infra/persistence/memory"
)

func newEngine(t *testing.T, maxSubscribers int) *throttler.Throttler {
	t.Helper()
	engine, err := throttler.New(throttler.Config{
		MaxSubscribers: maxSubscribers,
		SoftTimeout:    time.Second,
		RareThreshold:  time.Minute,
	}, rarity.NewTracker(), throttler.WithLogger(log.New(io.Discard, "", 0)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	return engine
}

func newManager(t *testing.T, engine Engine, store subscriptionstore.Store) *Manager {
	t.Helper()
	m := New(engine, store, WithLogger(log.New(io.Discard, "", 0)))
	t.Cleanup(m.Close)
	return m
}

func TestCreateRegistersAndPersists(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t, 4)
	store := memory.NewSubscriptionStore()
	m := newManager(t, engine, store)

	created, err := m.Create(ctx, Spec{Kind: " Sleeper ", Name: "slow", OperationTimeMs: 250})
	require.NoError(t, err)
	require.Equal(t, KindSleeper, created.Kind)
	require.True(t, created.Durable)
	require.Empty(t, created.InFlight)

	sub, ok := engine.Lookup(created.ID)
	require.True(t, ok)
	sleeper, ok := sub.(*subscribers.Sleeper)
	require.True(t, ok)
	require.Equal(t, 250*time.Millisecond, sleeper.OperationTime())

	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "slow", records[0].Name)
	require.Equal(t, KindSleeper, records[0].Kind)
	require.EqualValues(t, 250, records[0].Config["operationTimeMs"])
	require.NotContains(t, records[0].Config, "kind")

	got, ok := m.Get(created.ID)
	require.True(t, ok)
	require.Equal(t, "slow", got.Name)
	require.NotNil(t, got.Spec)
	require.Equal(t, int64(250), got.Spec.OperationTimeMs)
}

func TestCreateGeneratesNames(t *testing.T) {
	m := newManager(t, newEngine(t, 4), nil)
	first, err := m.Create(context.Background(), Spec{Kind: KindSleeper})
	require.NoError(t, err)
	second, err := m.Create(context.Background(), Spec{Kind: KindSleeper})
	require.NoError(t, err)
	require.NotEqual(t, first.Name, second.Name)
	require.Contains(t, first.Name, "sleeper-")
}

func TestCreateRejectsDuplicateNames(t *testing.T) {
	m := newManager(t, newEngine(t, 4), nil)
	_, err := m.Create(context.Background(), Spec{Kind: KindSleeper, Name: "dup"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), Spec{Kind: KindSleeper, Name: "dup"})
	require.True(t, errs.IsCode(err, errs.CodeConflict))
	require.True(t, errs.IsCanonical(err, errs.CanonicalDuplicateSubscriber))
	require.Len(t, m.List(), 1)
}

func TestCreateValidatesSpecs(t *testing.T) {
	m := newManager(t, newEngine(t, 4), nil)
	tests := map[string]Spec{
		"missing kind":       {},
		"unknown kind":       {Kind: "carrier-pigeon"},
		"stream not allowed": {Kind: KindStream},
		"webhook url":        {Kind: KindWebhook},
		"webhook scheme":     {Kind: KindWebhook, URL: "ftp://example.com"},
		"script source":      {Kind: KindScript},
		"script export":      {Kind: KindScript, Source: "var x = 1;"},
		"negative duration":  {Kind: KindSleeper, OperationTimeMs: -1},
	}
	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := m.Create(context.Background(), spec)
			require.True(t, errs.IsCode(err, errs.CodeInvalid), "got %v", err)
		})
	}
	require.Empty(t, m.List())
}

func TestCreateReportsCapacity(t *testing.T) {
	m := newManager(t, newEngine(t, 1), memory.NewSubscriptionStore())
	_, err := m.Create(context.Background(), Spec{Kind: KindSleeper, Name: "a"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), Spec{Kind: KindSleeper, Name: "b"})
	require.True(t, errs.IsCanonical(err, errs.CanonicalCapacityExceeded))

	_, err = m.Create(context.Background(), Spec{Kind: KindSleeper, Name: "b"})
	require.True(t, errs.IsCanonical(err, errs.CanonicalCapacityExceeded), "name released after failure")
}

type failingStore struct {
	subscriptionstore.Store
}

func (failingStore) Save(context.Context, subscriptionstore.Record) error {
	return errors.New("disk full")
}

func TestCreateRollsBackWhenPersistenceFails(t *testing.T) {
	engine := newEngine(t, 4)
	m := newManager(t, engine, failingStore{})

	_, err := m.Create(context.Background(), Spec{Kind: KindSleeper, Name: "x"})
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
	require.Empty(t, engine.Subscribers())
	require.Empty(t, m.List())
}

func TestRemoveUnsubscribesAndDeletes(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t, 4)
	store := memory.NewSubscriptionStore()
	m := newManager(t, engine, store)

	created, err := m.Create(ctx, Spec{Kind: KindSleeper, Name: "gone"})
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, created.ID))

	_, ok := engine.Lookup(created.ID)
	require.False(t, ok)
	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, records)

	err = m.Remove(ctx, created.ID)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
	require.True(t, errs.IsCanonical(err, errs.CanonicalUnknownSubscriber))

	_, err = m.Create(ctx, Spec{Kind: KindSleeper, Name: "gone"})
	require.NoError(t, err, "name is free after removal")
}

func TestListIncludesUnmanagedSubscribers(t *testing.T) {
	engine := newEngine(t, 4)
	m := newManager(t, engine, nil)
	direct := subscribers.NewSleeper("direct", 0, log.New(io.Discard, "", 0))
	id, err := engine.Subscribe(direct)
	require.NoError(t, err)
	_, err = m.Create(context.Background(), Spec{Kind: KindSleeper, Name: "managed"})
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, id, list[0].ID)
	require.Equal(t, KindSleeper, list[0].Kind)
	require.Empty(t, list[0].Name)
	require.Equal(t, "managed", list[1].Name)

	require.NoError(t, m.Remove(context.Background(), id))
	require.Len(t, m.List(), 1)
}

func TestRestoreReRegistersPersistedSubscribers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSubscriptionStore()

	first := newManager(t, newEngine(t, 4), store)
	sleeper, err := first.Create(ctx, Spec{Kind: KindSleeper, Name: "slow", OperationTimeMs: 100})
	require.NoError(t, err)
	_, err = first.Create(ctx, Spec{Kind: KindWebhook, Name: "hook", URL: "http://127.0.0.1:1/prices"})
	require.NoError(t, err)
	_, err = first.Create(ctx, Spec{Kind: KindScript, Name: "js", Source: "exports.onPrice = function() {};"})
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, subscriptionstore.Record{
		ID: uuid.New(), Kind: KindScript, Name: "broken", Config: map[string]any{"source": "nope("},
		CreatedAt: time.Now().Add(time.Hour),
	}))

	engine := newEngine(t, 4)
	second := newManager(t, engine, store)
	restored, err := second.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, restored)

	list := second.List()
	require.Len(t, list, 3)
	require.Equal(t, "slow", list[0].Name)
	require.NotEqual(t, sleeper.ID, list[0].ID, "restored subscribers get fresh identifiers")
	require.Equal(t, int64(100), list[0].Spec.OperationTimeMs)
	require.Equal(t, []string{KindSleeper, KindWebhook, KindScript}, []string{list[0].Kind, list[1].Kind, list[2].Kind})

	require.NoError(t, second.Remove(ctx, list[0].ID))
	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3, "removal deletes the original record")
	for _, record := range records {
		require.NotEqual(t, "slow", record.Name)
	}
}

func TestRestoreWithoutStore(t *testing.T) {
	m := newManager(t, newEngine(t, 1), nil)
	restored, err := m.Restore(context.Background())
	require.NoError(t, err)
	require.Zero(t, restored)
}

func TestCloseUnsubscribesButKeepsRecords(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t, 4)
	store := memory.NewSubscriptionStore()
	m := New(engine, store, WithLogger(log.New(io.Discard, "", 0)))
	_, err := m.Create(ctx, Spec{Kind: KindSleeper, Name: "kept"})
	require.NoError(t, err)

	m.Close()
	require.Empty(t, engine.Subscribers())
	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestSpecConfigRoundTrip(t *testing.T) {
	spec := Spec{Kind: KindWebhook, Name: "hook", URL: "https://example.com", OperationTimeMs: 5}
	cfg, err := spec.config()
	require.NoError(t, err)
	require.Equal(t, map[string]any{"url": "https://example.com", "operationTimeMs": float64(5)}, cfg)

	decoded, err := specFromConfig(KindWebhook, "hook", cfg)
	require.NoError(t, err)
	require.Equal(t, spec, decoded)
}
