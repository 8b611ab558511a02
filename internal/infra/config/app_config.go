// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/pricegate/errs"
	"github.com/coachpo/pricegate/internal/app/generator"
	"github.com/coachpo/pricegate/internal/app/subscribers"
	"github.com/coachpo/pricegate/internal/app/throttler"
	"github.com/coachpo/pricegate/internal/infra/persistence/postgres"
	"github.com/coachpo/pricegate/lib/validate"
)

const component = "config"

// ThrottlerConfig bounds the dispatch engine.
type ThrottlerConfig struct {
	MaxSubscribers int           `yaml:"maxSubscribers" validate:"gt=0,lte=100000"`
	SoftTimeout    time.Duration `yaml:"softTimeout" validate:"gte=0"`
	HardTimeout    time.Duration `yaml:"hardTimeout" validate:"gte=0"`
	QueueSize      int           `yaml:"queueSize" validate:"gte=0"`
}

// ExchangeRatesConfig configures rarity classification.
type ExchangeRatesConfig struct {
	RareChangingThreshold time.Duration `yaml:"rareChangingThreshold" validate:"gte=0"`
}

// GeneratorConfig configures the synthetic tick source.
type GeneratorConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Chance    float64       `yaml:"chance" validate:"gt=0,lte=100"`
	Linger    time.Duration `yaml:"linger" validate:"gt=0"`
	Template  string        `yaml:"template"`
	Precision int32         `yaml:"precision" validate:"gte=0,lte=12"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr               string        `yaml:"addr" validate:"required,hostname_port|startswith=:"`
	StreamWriteTimeout time.Duration `yaml:"streamWriteTimeout" validate:"gt=0"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName" validate:"required"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity. An empty DSN keeps subscriber
// definitions in memory.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MaxConns      int32  `yaml:"maxConns" validate:"gt=0"`
	MinConns      int32  `yaml:"minConns" validate:"gte=0,ltefield=MaxConns"`
	RunMigrations bool   `yaml:"runMigrations"`
}

// WebhookConfig sets delivery defaults for webhook subscribers.
type WebhookConfig struct {
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	RatePerSecond float64       `yaml:"ratePerSecond" validate:"gt=0"`
	Burst         int           `yaml:"burst" validate:"gt=0"`
	MaxRetries    uint          `yaml:"maxRetries" validate:"lte=20"`
}

// AppConfig is the unified pricegate configuration sourced from YAML.
type AppConfig struct {
	Environment   Environment         `yaml:"environment" validate:"oneof=dev staging prod"`
	Throttler     ThrottlerConfig     `yaml:"throttler"`
	ExchangeRates ExchangeRatesConfig `yaml:"exchangeRates"`
	Generator     GeneratorConfig     `yaml:"generator"`
	APIServer     APIServerConfig     `yaml:"apiServer"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Database      DatabaseConfig      `yaml:"database"`
	Webhook       WebhookConfig       `yaml:"webhook"`
}

// DefaultAppConfig returns the configuration used when no file is supplied.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Throttler: ThrottlerConfig{
			MaxSubscribers: 200,
			SoftTimeout:    time.Second,
			HardTimeout:    0,
			QueueSize:      8192,
		},
		ExchangeRates: ExchangeRatesConfig{RareChangingThreshold: time.Minute},
		Generator: GeneratorConfig{
			Enabled:   true,
			Chance:    10,
			Linger:    250 * time.Millisecond,
			Precision: 6,
		},
		APIServer: APIServerConfig{Addr: ":8080", StreamWriteTimeout: 5 * time.Second},
		Telemetry: TelemetryConfig{ServiceName: "pricegate", EnableMetrics: true},
		Database:  DatabaseConfig{MaxConns: 8, MinConns: 1, RunMigrations: true},
		Webhook: WebhookConfig{
			Timeout:       5 * time.Second,
			RatePerSecond: 50,
			Burst:         5,
			MaxRetries:    3,
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file. Keys absent from
// the file keep their default values.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	return decode(reader)
}

// LoadOrDefault behaves like Load but falls back to DefaultAppConfig when path is
// empty or names a file that does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return defaults()
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return defaults()
	}
	return cfg, err
}

func defaults() (AppConfig, error) {
	cfg := DefaultAppConfig()
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	return cfg, cfg.Validate()
}

func decode(reader io.Reader) (AppConfig, error) {
	cfg := DefaultAppConfig()
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return AppConfig{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("unmarshal config"), errs.WithCause(err))
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	if template := strings.TrimSpace(c.Generator.Template); template != "" {
		c.Generator.Template = filepath.Clean(template)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		c.Database.MinConns = c.Database.MaxConns
	}
	return nil
}

// Validate performs tag and semantic validation on the configuration.
func (c AppConfig) Validate() error {
	if err := validate.Struct(component, c); err != nil {
		return err
	}
	if err := c.ThrottlerConfig().Validate(); err != nil {
		return fmt.Errorf("throttler: %w", err)
	}
	return nil
}

// ThrottlerConfig maps the throttler and exchangeRates sections onto the engine config.
func (c AppConfig) ThrottlerConfig() throttler.Config {
	return throttler.Config{
		MaxSubscribers: c.Throttler.MaxSubscribers,
		SoftTimeout:    c.Throttler.SoftTimeout,
		HardTimeout:    c.Throttler.HardTimeout,
		RareThreshold:  c.ExchangeRates.RareChangingThreshold,
		QueueSize:      c.Throttler.QueueSize,
	}
}

// GeneratorConfig maps the generator section onto the tick source config.
func (c AppConfig) GeneratorConfig() generator.Config {
	return generator.Config{
		Chance:    c.Generator.Chance,
		Linger:    c.Generator.Linger,
		Precision: c.Generator.Precision,
	}
}

// WebhookDefaults maps the webhook section onto subscriber delivery settings.
func (c AppConfig) WebhookDefaults() subscribers.WebhookConfig {
	return subscribers.WebhookConfig{
		Timeout:       c.Webhook.Timeout,
		RatePerSecond: c.Webhook.RatePerSecond,
		Burst:         c.Webhook.Burst,
		MaxRetries:    c.Webhook.MaxRetries,
	}
}

// PoolConfig maps the database section onto the pgx pool settings.
func (c AppConfig) PoolConfig() postgres.PoolConfig {
	return postgres.PoolConfig{
		DSN:      c.Database.DSN,
		MaxConns: c.Database.MaxConns,
		MinConns: c.Database.MinConns,
	}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
