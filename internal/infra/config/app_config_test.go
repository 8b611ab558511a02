package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricegate/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, DefaultAppConfig(), cfg)

	cfg, err = LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, 200, cfg.Throttler.MaxSubscribers)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: PROD
throttler:
  maxSubscribers: 50
  softTimeout: 1500ms
  hardTimeout: 10s
  queueSize: 1024
exchangeRates:
  rareChangingThreshold: 2m
generator:
  enabled: false
  chance: 25
  linger: 100ms
  template: ./rates/../rates.json
  precision: 4
apiServer:
  addr: " 127.0.0.1:9090 "
telemetry:
  otlpEndpoint: localhost:4318
  serviceName: pricegate-test
database:
  dsn: postgresql://localhost:5432/pricegate
  maxConns: 4
  minConns: 9
webhook:
  timeout: 2s
  ratePerSecond: 10
  burst: 2
  maxRetries: 1
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, 50, cfg.Throttler.MaxSubscribers)
	require.Equal(t, 1500*time.Millisecond, cfg.Throttler.SoftTimeout)
	require.Equal(t, 10*time.Second, cfg.Throttler.HardTimeout)
	require.Equal(t, 2*time.Minute, cfg.ExchangeRates.RareChangingThreshold)
	require.False(t, cfg.Generator.Enabled)
	require.Equal(t, "rates.json", cfg.Generator.Template)
	require.Equal(t, "127.0.0.1:9090", cfg.APIServer.Addr)
	require.Equal(t, 5*time.Second, cfg.APIServer.StreamWriteTimeout, "absent keys keep defaults")
	require.Equal(t, int32(4), cfg.Database.MinConns, "minConns clamped to maxConns")
	require.True(t, cfg.Database.RunMigrations)

	engine := cfg.ThrottlerConfig()
	require.Equal(t, 2*time.Minute, engine.RareThreshold)
	require.Equal(t, 1024, engine.QueueSize)
	require.Equal(t, 25.0, cfg.GeneratorConfig().Chance)
	require.Equal(t, uint(1), cfg.WebhookDefaults().MaxRetries)
	require.Equal(t, "postgresql://localhost:5432/pricegate", cfg.PoolConfig().DSN)
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, DefaultAppConfig(), cfg)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"environment":     "environment: qa\n",
		"max subscribers": "throttler:\n  maxSubscribers: 0\n",
		"chance":          "generator:\n  chance: 101\n",
		"linger":          "generator:\n  linger: 0s\n",
		"addr":            "apiServer:\n  addr: \"\"\n",
		"service name":    "telemetry:\n  serviceName: \" \"\n",
		"hard timeout":    "throttler:\n  softTimeout: 2s\n  hardTimeout: 1s\n",
		"webhook burst":   "webhook:\n  burst: 0\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, body))
			require.True(t, errs.IsCode(err, errs.CodeInvalid), "got %v", err)
		})
	}
}

func TestLoadRejectsUnknownKeysAndBadDurations(t *testing.T) {
	_, err := Load(context.Background(), writeConfig(t, "throttler:\n  maxSubscriber: 5\n"))
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "got %v", err)

	_, err = Load(context.Background(), writeConfig(t, "throttler:\n  softTimeout: soon\n"))
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "got %v", err)
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultAppConfig(), cfg)
}
