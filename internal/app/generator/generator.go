// Package generator produces synthetic exchange rates from a bid/ask template and
// publishes the subset that changed since the previous generation.
package generator

import (
	"context"
	"errors"
	"log"
	"maps"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricegate/errs"
	"github.com/coachpo/pricegate/internal/infra/telemetry"
)

const component = "generator"

var (
	hundred  = decimal.NewFromInt(100)
	maxSpike = 5.0
)

// Listener receives changed-rate batches.
type Listener interface {
	OnRatesChanged(ctx context.Context, rates map[string]float64)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, rates map[string]float64)

// OnRatesChanged calls f.
func (f ListenerFunc) OnRatesChanged(ctx context.Context, rates map[string]float64) {
	f(ctx, rates)
}

// Config tunes rate generation.
type Config struct {
	// Chance is the percentage (0, 100] of entries receiving a random spike per generation.
	Chance float64
	// Linger is the pause between generations in Run.
	Linger time.Duration
	// Precision is the number of decimal places rates are rounded to.
	Precision int32
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger overrides the default stdout logger.
func WithLogger(logger *log.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRand supplies the random source, typically seeded in tests.
func WithRand(rnd *rand.Rand) Option {
	return func(g *Generator) {
		if rnd != nil {
			g.rnd = rnd
		}
	}
}

// WithMeterProvider sets the provider metric instruments are created from.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(g *Generator) {
		if provider != nil {
			g.meterProvider = provider
		}
	}
}

// Generator computes rates as ask/bid*100 with occasional random spikes.
type Generator struct {
	cfg     Config
	entries []Entry

	logger        *log.Logger
	rnd           *rand.Rand
	meterProvider metric.MeterProvider

	genDuration metric.Float64Histogram
	changed     metric.Int64Counter

	// genMu serialises generate-and-publish so listeners observe batches in order.
	genMu     sync.Mutex
	mu        sync.RWMutex
	current   map[string]decimal.Decimal
	listeners []Listener
}

// New constructs a generator over the template entries.
func New(cfg Config, entries []Entry, opts ...Option) (*Generator, error) {
	if cfg.Chance <= 0 || cfg.Chance > 100 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("chance must be in (0, 100]"))
	}
	if cfg.Linger <= 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("linger must be > 0"))
	}
	if cfg.Precision < 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("precision must be >= 0"))
	}
	if len(entries) == 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("template entries required"))
	}

	g := &Generator{
		cfg:           cfg,
		entries:       append([]Entry(nil), entries...),
		logger:        log.New(os.Stdout, "generator ", log.LstdFlags|log.Lmicroseconds),
		rnd:           rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	meter := g.meterProvider.Meter("generator")
	g.genDuration, _ = meter.Float64Histogram("generator.generate.duration",
		metric.WithDescription("Latency of one rate generation"),
		metric.WithUnit("ms"))
	g.changed, _ = meter.Int64Counter("generator.rates.changed",
		metric.WithDescription("Number of rates published as changed"),
		metric.WithUnit("{rate}"))
	return g, nil
}

// AddListener registers l for changed-rate batches.
func (g *Generator) AddListener(l Listener) {
	if l == nil {
		return
	}
	g.mu.Lock()
	g.listeners = append(g.listeners, l)
	g.mu.Unlock()
}

// Generate computes a fresh set of rates, publishes the changed subset to every
// listener and returns the full set.
func (g *Generator) Generate(ctx context.Context) map[string]float64 {
	g.genMu.Lock()
	defer g.genMu.Unlock()

	start := time.Now()
	next := make(map[string]decimal.Decimal, len(g.entries))
	for _, entry := range g.entries {
		next[entry.Pair] = g.rate(entry)
	}

	g.mu.Lock()
	previous := g.current
	g.current = next
	listeners := append([]Listener(nil), g.listeners...)
	g.mu.Unlock()

	changed := make(map[string]float64)
	for pair, rate := range next {
		if prev, ok := previous[pair]; ok && prev.Equal(rate) {
			continue
		}
		changed[pair] = rate.InexactFloat64()
	}

	attrs := metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment()))
	if g.genDuration != nil {
		g.genDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
	if len(changed) > 0 {
		if g.changed != nil {
			g.changed.Add(ctx, int64(len(changed)), attrs)
		}
		for _, l := range listeners {
			l.OnRatesChanged(ctx, maps.Clone(changed))
		}
	}
	return toFloats(next)
}

func (g *Generator) rate(entry Entry) decimal.Decimal {
	rate := entry.Ask.Div(entry.Bid).Mul(hundred)
	if g.rnd.Float64()*100 < g.cfg.Chance {
		rate = rate.Add(decimal.NewFromFloat(g.rnd.Float64() * maxSpike))
	}
	return rate.Round(g.cfg.Precision)
}

// Current returns the last generated rates, generating once if nothing has been produced yet.
func (g *Generator) Current(ctx context.Context) map[string]float64 {
	g.mu.RLock()
	current := g.current
	g.mu.RUnlock()
	if current == nil {
		return g.Generate(ctx)
	}
	return toFloats(current)
}

// Run generates every Linger until ctx ends.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Linger)
	defer ticker.Stop()
	g.logger.Printf("generator started: pairs=%d linger=%s chance=%.2f", len(g.entries), g.cfg.Linger, g.cfg.Chance)
	for {
		select {
		case <-ctx.Done():
			g.logger.Printf("generator stopped")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			g.Generate(ctx)
		}
	}
}

func toFloats(rates map[string]decimal.Decimal) map[string]float64 {
	out := make(map[string]float64, len(rates))
	for pair, rate := range rates {
		out[pair] = rate.InexactFloat64()
	}
	return out
}
