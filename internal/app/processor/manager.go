// Package processor manages the lifecycle of price subscribers: building them from
// specs, registering them with the throttler, and persisting durable definitions.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/coachpo/pricegate/errs"
	"github.com/coachpo/pricegate/internal/app/subscribers"
	"github.com/coachpo/pricegate/internal/app/throttler"
	"github.com/coachpo/pricegate/internal/domain/subscriptionstore"
	"github.com/coachpo/pricegate/lib/validate"
)

const component = "processor"

// Engine is the registry the manager drives. *throttler.Throttler implements it.
type Engine interface {
	Subscribe(sub throttler.Subscriber) (uuid.UUID, error)
	UnsubscribeID(id uuid.UUID) (throttler.Subscriber, bool)
	Subscribers() []throttler.Registration
}

// managedSubscriber is what every concrete subscriber provides on top of the engine contract.
type managedSubscriber interface {
	throttler.Subscriber
	Name() string
	Close() error
}

// Subscription is the externally visible view of a managed subscriber.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Durable   bool      `json:"durable"`
	InFlight  []string  `json:"inFlight"`
	CreatedAt time.Time `json:"createdAt"`
	Spec      *Spec     `json:"spec,omitempty"`
}

type managed struct {
	id        uuid.UUID
	recordID  uuid.UUID
	kind      string
	name      string
	durable   bool
	createdAt time.Time
	spec      *Spec
	sub       managedSubscriber
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithWebhookDefaults sets the delivery settings applied to webhook subscribers.
func WithWebhookDefaults(cfg subscribers.WebhookConfig) Option {
	return func(m *Manager) {
		m.webhook = cfg
	}
}

// WithStreamWriteTimeout bounds each websocket frame write.
func WithStreamWriteTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.streamWriteTimeout = timeout
	}
}

// Manager owns the subscribers it builds. A nil store disables persistence.
type Manager struct {
	engine             Engine
	store              subscriptionstore.Store
	logger             *log.Logger
	webhook            subscribers.WebhookConfig
	streamWriteTimeout time.Duration
	now                func() time.Time

	mu     sync.Mutex
	byID   map[uuid.UUID]*managed
	byName map[string]uuid.UUID
}

// New constructs a Manager.
func New(engine Engine, store subscriptionstore.Store, opts ...Option) *Manager {
	m := &Manager{
		engine: engine,
		store:  store,
		logger: log.New(os.Stdout, "processor ", log.LstdFlags|log.Lmicroseconds),
		now:    func() time.Time { return time.Now().UTC() },
		byID:   make(map[uuid.UUID]*managed),
		byName: make(map[string]uuid.UUID),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Create builds a subscriber from spec, registers it and persists its definition.
func (m *Manager) Create(ctx context.Context, spec Spec) (Subscription, error) {
	spec = spec.normalise()
	if err := validate.Struct(component, spec); err != nil {
		return Subscription{}, err
	}
	return m.create(ctx, spec, uuid.New(), m.now(), true)
}

func (m *Manager) create(ctx context.Context, spec Spec, recordID uuid.UUID, createdAt time.Time, persist bool) (Subscription, error) {
	if spec.Name == "" {
		spec.Name = spec.Kind + "-" + recordID.String()[:8]
	}
	if err := m.reserveName(spec.Name); err != nil {
		return Subscription{}, err
	}
	sub, err := m.build(spec)
	if err != nil {
		m.releaseName(spec.Name)
		return Subscription{}, err
	}

	id, err := m.engine.Subscribe(sub)
	if err != nil {
		m.releaseName(spec.Name)
		_ = sub.Close()
		return Subscription{}, fmt.Errorf("register %s subscriber %q: %w", spec.Kind, spec.Name, err)
	}

	if persist && m.store != nil {
		cfg, err := spec.config()
		if err == nil {
			err = m.store.Save(ctx, subscriptionstore.Record{
				ID: recordID, Kind: spec.Kind, Name: spec.Name, Config: cfg, CreatedAt: createdAt,
			})
		}
		if err != nil {
			m.engine.UnsubscribeID(id)
			m.releaseName(spec.Name)
			_ = sub.Close()
			return Subscription{}, errs.New(component, errs.CodeUnavailable,
				errs.WithMessage("persist subscriber"), errs.WithField("name", spec.Name), errs.WithCause(err))
		}
	}

	specCopy := spec
	entry := &managed{
		id: id, recordID: recordID, kind: spec.Kind, name: spec.Name,
		durable: true, createdAt: createdAt, spec: &specCopy, sub: sub,
	}
	m.mu.Lock()
	m.byID[id] = entry
	m.byName[spec.Name] = id
	m.mu.Unlock()
	m.logger.Printf("subscriber created: id=%s kind=%s name=%s", id, spec.Kind, spec.Name)
	return entry.view(nil), nil
}

func (m *Manager) build(spec Spec) (managedSubscriber, error) {
	switch spec.Kind {
	case KindSleeper:
		return subscribers.NewSleeper(spec.Name, spec.OperationTime(), m.logger), nil
	case KindWebhook:
		cfg := m.webhook
		cfg.URL = spec.URL
		return subscribers.NewWebhook(spec.Name, cfg, nil, m.logger)
	case KindScript:
		return subscribers.NewScript(spec.Name, spec.Source, m.logger)
	default:
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("unsupported subscriber kind"), errs.WithField("kind", spec.Kind))
	}
}

func (m *Manager) reserveName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byName[name]; ok {
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("subscriber name already in use"),
			errs.WithCanonicalCode(errs.CanonicalDuplicateSubscriber),
			errs.WithField("name", name),
			errs.WithField("id", existing.String()))
	}
	m.byName[name] = uuid.Nil
	return nil
}

func (m *Manager) releaseName(name string) {
	m.mu.Lock()
	delete(m.byName, name)
	m.mu.Unlock()
}

// Remove unsubscribes and closes the subscriber and deletes its persisted definition.
func (m *Manager) Remove(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	entry, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		if m.byName[entry.name] == id {
			delete(m.byName, entry.name)
		}
	}
	m.mu.Unlock()

	sub, registered := m.engine.UnsubscribeID(id)
	if !ok && !registered {
		return errs.New(component, errs.CodeNotFound,
			errs.WithMessage("subscriber not found"),
			errs.WithCanonicalCode(errs.CanonicalUnknownSubscriber),
			errs.WithField("id", id.String()))
	}
	if !ok {
		if closer, isCloser := sub.(interface{ Close() error }); isCloser {
			_ = closer.Close()
		}
		m.logger.Printf("subscriber removed: id=%s unmanaged=true", id)
		return nil
	}

	if err := entry.sub.Close(); err != nil {
		m.logger.Printf("subscriber close: id=%s err=%v", id, err)
	}
	m.logger.Printf("subscriber removed: id=%s kind=%s name=%s", id, entry.kind, entry.name)
	if entry.durable && m.store != nil {
		if err := m.store.Delete(ctx, entry.recordID); err != nil {
			return errs.New(component, errs.CodeUnavailable,
				errs.WithMessage("delete persisted subscriber"), errs.WithField("id", id.String()), errs.WithCause(err))
		}
	}
	return nil
}

// Get returns the subscription registered under id.
func (m *Manager) Get(id uuid.UUID) (Subscription, bool) {
	for _, sub := range m.List() {
		if sub.ID == id {
			return sub, true
		}
	}
	return Subscription{}, false
}

// List returns every subscriber registered with the engine in subscription order,
// including ones registered without the manager.
func (m *Manager) List() []Subscription {
	registrations := m.engine.Subscribers()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(registrations))
	for _, reg := range registrations {
		if entry, ok := m.byID[reg.ID]; ok {
			out = append(out, entry.view(reg.InFlight))
			continue
		}
		out = append(out, Subscription{ID: reg.ID, Kind: reg.Kind, InFlight: nonNil(reg.InFlight)})
	}
	return out
}

// Restore re-registers every persisted definition under a fresh engine identifier.
// Definitions that fail to build are logged and skipped.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	records, err := m.store.Load(ctx)
	if err != nil {
		return 0, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("load persisted subscribers"), errs.WithCause(err))
	}
	restored := 0
	var failures []error
	for _, record := range records {
		spec, err := specFromConfig(record.Kind, record.Name, record.Config)
		if err == nil {
			err = validate.Struct(component, spec)
		}
		if err == nil {
			_, err = m.create(ctx, spec, record.ID, record.CreatedAt, false)
		}
		if err != nil {
			m.logger.Printf("subscriber restore failed: record=%s kind=%s name=%s err=%v", record.ID, record.Kind, record.Name, err)
			failures = append(failures, err)
			continue
		}
		restored++
	}
	m.logger.Printf("subscribers restored: restored=%d failed=%d", restored, len(failures))
	if restored == 0 && len(failures) > 0 {
		return 0, errors.Join(failures...)
	}
	return restored, nil
}

// Attach registers a websocket connection as a transient Stream subscriber. On error
// the connection is left open for the caller to close.
func (m *Manager) Attach(name string, conn *websocket.Conn) (uuid.UUID, *subscribers.Stream, error) {
	stream := subscribers.NewStream(name, conn, m.streamWriteTimeout, m.logger)
	id, err := m.engine.Subscribe(stream)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("register stream subscriber: %w", err)
	}
	m.mu.Lock()
	m.byID[id] = &managed{id: id, kind: KindStream, name: name, createdAt: m.now(), sub: stream}
	m.mu.Unlock()
	m.logger.Printf("stream attached: id=%s name=%s", id, name)
	return id, stream, nil
}

// Detach removes a stream subscriber. It is safe to call after Remove.
func (m *Manager) Detach(id uuid.UUID) {
	m.mu.Lock()
	entry, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
	}
	m.mu.Unlock()
	m.engine.UnsubscribeID(id)
	if ok {
		_ = entry.sub.Close()
		m.logger.Printf("stream detached: id=%s", id)
	}
}

// Close unsubscribes and closes every managed subscriber. Persisted definitions are kept.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := make([]*managed, 0, len(m.byID))
	for _, entry := range m.byID {
		entries = append(entries, entry)
	}
	clear(m.byID)
	clear(m.byName)
	m.mu.Unlock()

	for _, entry := range entries {
		m.engine.UnsubscribeID(entry.id)
		if err := entry.sub.Close(); err != nil {
			m.logger.Printf("subscriber close: id=%s err=%v", entry.id, err)
		}
	}
}

func (e *managed) view(inFlight []string) Subscription {
	var spec *Spec
	if e.spec != nil {
		copied := *e.spec
		spec = &copied
	}
	return Subscription{
		ID:        e.id,
		Kind:      e.kind,
		Name:      e.name,
		Durable:   e.durable,
		InFlight:  nonNil(slices.Clone(inFlight)),
		CreatedAt: e.createdAt,
		Spec:      spec,
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
