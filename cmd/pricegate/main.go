// Command pricegate runs the price throttling service: the rate generator, the
// dispatch engine and the HTTP control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricegate/internal/app/generator"
	"github.com/coachpo/pricegate/internal/app/processor"
	"github.com/coachpo/pricegate/internal/app/rarity"
	"github.com/coachpo/pricegate/internal/app/throttler"
	"github.com/coachpo/pricegate/internal/domain/subscriptionstore"
	"github.com/coachpo/pricegate/internal/infra/config"
	"github.com/coachpo/pricegate/internal/infra/persistence/memory"
	"github.com/coachpo/pricegate/internal/infra/persistence/migrations"
	"github.com/coachpo/pricegate/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/pricegate/internal/infra/server/http"
	"github.com/coachpo/pricegate/internal/infra/telemetry"
)

const (
	defaultConfigPath            = "config/app.yaml"
	serviceLoggerPrefix          = "pricegate "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	engineShutdownTimeout        = 10 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	startupTimeout               = 30 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger(serviceLoggerPrefix)

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s path=%s maxSubscribers=%d softTimeout=%s hardTimeout=%s rareThreshold=%s",
		appCfg.Environment, configPath, appCfg.Throttler.MaxSubscribers, appCfg.Throttler.SoftTimeout,
		appCfg.Throttler.HardTimeout, appCfg.ExchangeRates.RareChangingThreshold)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	store, dbPool, err := openSubscriptionStore(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise subscription store: %v", err)
	}

	engine, err := throttler.New(appCfg.ThrottlerConfig(), rarity.NewTracker(),
		throttler.WithLogger(newLogger("throttler ")),
		throttler.WithMeterProvider(telemetryProvider.MeterProvider()))
	if err != nil {
		logger.Fatalf("initialise throttler: %v", err)
	}

	manager := processor.New(engine, store,
		processor.WithLogger(newLogger("processor ")),
		processor.WithWebhookDefaults(appCfg.WebhookDefaults()),
		processor.WithStreamWriteTimeout(appCfg.APIServer.StreamWriteTimeout))
	restoreCtx, restoreCancel := context.WithTimeout(ctx, startupTimeout)
	restored, err := manager.Restore(restoreCtx)
	restoreCancel()
	if err != nil {
		logger.Printf("subscriber restore failed: %v", err)
	} else {
		logger.Printf("subscribers restored: %d", restored)
	}

	gen, err := buildGenerator(appCfg, engine, telemetryProvider.MeterProvider())
	if err != nil {
		logger.Fatalf("initialise generator: %v", err)
	}

	var lifecycle conc.WaitGroup
	if appCfg.Generator.Enabled {
		lifecycle.Go(func() {
			if err := gen.Run(ctx); err != nil {
				logger.Printf("generator: %v", err)
			}
		})
		logger.Printf("generator started: linger=%s chance=%.1f%%", appCfg.Generator.Linger, appCfg.Generator.Chance)
	} else {
		logger.Print("generator disabled; rates only change through the control API")
	}

	apiServer := buildAPIServer(appCfg.APIServer, httpserver.Deps{
		Processor: manager,
		Engine:    engine,
		Rates:     gen,
		Logger:    newLogger("http "),
	})
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("pricegate started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		manager:    manager,
		engine:     engine,
		dbPool:     dbPool,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	cfg := appCfg.Telemetry
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
		telemetryCfg.Enabled = true
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(appCfg.Environment)
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialised: endpoint=%s service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// openSubscriptionStore returns the PostgreSQL store when a DSN is configured and the
// in-memory store otherwise. The returned pool is nil for the in-memory store.
func openSubscriptionStore(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (subscriptionstore.Store, *pgxpool.Pool, error) {
	if appCfg.Database.DSN == "" {
		logger.Print("database dsn not configured; subscriber definitions kept in memory")
		return memory.NewSubscriptionStore(), nil, nil
	}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if appCfg.Database.RunMigrations {
		if err := migrations.Apply(startCtx, appCfg.Database.DSN, "", newLogger("migrate ")); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(startCtx, appCfg.PoolConfig())
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.ObservePoolMetrics(pool, "primary"); err != nil {
		logger.Printf("database pool metrics: %v", err)
	}
	logger.Printf("database connected: maxConns=%d", appCfg.Database.MaxConns)
	return postgres.NewSubscriptionStore(pool), pool, nil
}

func buildGenerator(appCfg config.AppConfig, engine *throttler.Throttler, provider metric.MeterProvider) (*generator.Generator, error) {
	entries, err := generator.LoadTemplateFile(appCfg.Generator.Template)
	if err != nil {
		return nil, fmt.Errorf("load rate template: %w", err)
	}
	gen, err := generator.New(appCfg.GeneratorConfig(), entries,
		generator.WithLogger(newLogger("generator ")),
		generator.WithMeterProvider(provider))
	if err != nil {
		return nil, err
	}
	gen.AddListener(engine)
	return gen, nil
}

func buildAPIServer(cfg config.APIServerConfig, deps httpserver.Deps) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(deps),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	manager    *processor.Manager
	engine     *throttler.Throttler
	dbPool     *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.manager != nil {
		logger.Print("shutdown: closing subscribers")
		cfg.manager.Close()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.engine != nil {
		shutdownStep("draining throttler", engineShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.engine.Close(stepCtx)
		})
	}

	if cfg.dbPool != nil {
		logger.Print("shutdown: closing database pool")
		cfg.dbPool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
