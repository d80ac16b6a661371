package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds settings shared by every tenant bot in the fleet.
type TelegramConfig struct {
	// PlatformToken runs the platform bot that hosts store onboarding; empty disables it.
	PlatformToken string `yaml:"platform_token" envconfig:"BOT_TOKEN"`
	AdminID       int64  `yaml:"admin_id" envconfig:"TELEGRAM_ADMIN_ID"`
	// RunMode is the default for tenants that do not pick one.
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig specifies the public base URL tenant webhooks are registered under.
type WebhookConfig struct {
	URL string `yaml:"url" envconfig:"WEBHOOK_URL"`
}

// HTTPConfig configures the shared HTTP server (admin API, live channel, webhooks, metrics).
type HTTPConfig struct {
	Listen string `yaml:"listen" envconfig:"HTTP_LISTEN"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir"`
	File        string `yaml:"file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
	// WarnEvery bounds how often a degraded-mode warning repeats per failure class.
	WarnEvery time.Duration `yaml:"warn_every" envconfig:"LOG_WARN_EVERY"`
}

// DatabaseConfig holds relational storage settings.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver         string `yaml:"driver" envconfig:"DB_DRIVER"`
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
}

// RedisConfig configures the remote session cache. An empty Addr keeps sessions in process only.
type RedisConfig struct {
	Addr      string        `yaml:"addr" envconfig:"REDIS_ADDR"`
	Password  string        `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB        int           `yaml:"db" envconfig:"REDIS_DB"`
	Prefix    string        `yaml:"prefix" envconfig:"REDIS_PREFIX"`
	OpTimeout time.Duration `yaml:"op_timeout" envconfig:"REDIS_OP_TIMEOUT"`
}

// SessionConfig tunes the session store.
type SessionConfig struct {
	TTL               time.Duration `yaml:"ttl" envconfig:"SESSION_TTL"`
	SweepInterval     time.Duration `yaml:"sweep_interval" envconfig:"SESSION_SWEEP_INTERVAL"`
	QueueSize         int           `yaml:"queue_size" envconfig:"SESSION_QUEUE_SIZE"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
}

// OrdersConfig tunes the order lifecycle engine.
type OrdersConfig struct {
	Currency          string        `yaml:"currency" envconfig:"ORDERS_CURRENCY"`
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`
}

// AuthConfig configures bearer token issuing and verification.
type AuthConfig struct {
	Secret   string        `yaml:"secret" envconfig:"AUTH_SECRET"`
	Issuer   string        `yaml:"issuer" envconfig:"AUTH_ISSUER"`
	TokenTTL time.Duration `yaml:"token_ttl" envconfig:"AUTH_TOKEN_TTL"`
}

// RevocationConfig configures the revoked token registry.
type RevocationConfig struct {
	PurgeInterval time.Duration `yaml:"purge_interval"`
	// SyncInterval is how often revocations from other processes are read.
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// SenderConfig configures the per-tenant outbound message dispatcher.
type SenderConfig struct {
	QueueSize      int `yaml:"queue_size"`
	Workers        int `yaml:"workers"`
	MaxRetries     int `yaml:"max_retries"`
	RetryBackoffMS int `yaml:"retry_backoff_ms"`
}

// NotifyConfig throttles bot pushes per tenant.
type NotifyConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	Timeout       time.Duration `yaml:"timeout"`
	// QueueSize and Workers size the background delivery queue.
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

const (
	// DriverPostgres stores data in PostgreSQL.
	DriverPostgres = "postgres"
	// DriverMemory keeps everything in process, for local runs.
	DriverMemory = "memory"
)

const (
	// UpdateCallback identifies callback updates for rate limit exclusions.
	UpdateCallback = "callback"
	// UpdateMessage identifies message updates for rate limit exclusions.
	UpdateMessage = "message"
)

// RateLimitConfig holds settings for per-user inbound rate limiting.
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// Config aggregates the service configuration.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Session    SessionConfig    `yaml:"session"`
	Orders     OrdersConfig     `yaml:"orders"`
	Auth       AuthConfig       `yaml:"auth"`
	Revocation RevocationConfig `yaml:"revocation"`
	Sender     SenderConfig     `yaml:"sender"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates required fields and fills defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if strings.TrimSpace(cfg.Auth.Secret) == "" {
		return fmt.Errorf("auth.secret is required")
	}
	if len(cfg.Auth.Secret) < 16 {
		return fmt.Errorf("auth.secret must be at least 16 bytes")
	}

	rm, err := NormalizeRunMode(cfg.Telegram.RunMode)
	if err != nil {
		return err
	}
	cfg.Telegram.RunMode = rm
	if rm == RunModeWebhook && strings.TrimSpace(cfg.Webhook.URL) == "" {
		return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
	}
	if cfg.Telegram.LongPollTimeoutSeconds < 0 {
		return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
	}
	cfg.Webhook.URL = strings.TrimRight(strings.TrimSpace(cfg.Webhook.URL), "/")

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = ":8080"
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Database.Driver)); d {
	case "", DriverPostgres:
		cfg.Database.Driver = DriverPostgres
		if cfg.Database.Host == "" || cfg.Database.Name == "" {
			return fmt.Errorf("database.host and database.name are required for the postgres driver")
		}
		if cfg.Database.Port == "" {
			cfg.Database.Port = "5432"
		}
		if cfg.Database.SSLMode == "" {
			cfg.Database.SSLMode = "disable"
		}
		if cfg.Database.MaxConnections <= 0 {
			cfg.Database.MaxConnections = 10
		}
	case DriverMemory:
		cfg.Database.Driver = d
	default:
		return fmt.Errorf("invalid database.driver %q; allowed: postgres, memory", cfg.Database.Driver)
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "shopfleet"
	}
	setDuration(&cfg.Redis.OpTimeout, 2*time.Second)

	setDuration(&cfg.Session.TTL, 24*time.Hour)
	setDuration(&cfg.Session.SweepInterval, time.Hour)
	setInt(&cfg.Session.QueueSize, 1024)
	setInt(&cfg.Session.ReconnectAttempts, 5)
	setDuration(&cfg.Session.ReconnectBase, time.Second)
	setDuration(&cfg.Session.ReconnectMax, 30*time.Second)
	if cfg.Session.ReconnectMax < cfg.Session.ReconnectBase {
		return fmt.Errorf("session.reconnect_max must be >= session.reconnect_base")
	}

	cfg.Orders.Currency = strings.ToUpper(strings.TrimSpace(cfg.Orders.Currency))
	if cfg.Orders.Currency == "" {
		cfg.Orders.Currency = "USD"
	}
	setDuration(&cfg.Orders.IdempotencyWindow, 10*time.Minute)

	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "shopfleet"
	}
	setDuration(&cfg.Auth.TokenTTL, 12*time.Hour)
	setDuration(&cfg.Revocation.PurgeInterval, 10*time.Minute)
	setDuration(&cfg.Revocation.SyncInterval, 30*time.Second)

	setInt(&cfg.Sender.QueueSize, 256)
	setInt(&cfg.Sender.Workers, 4)
	if cfg.Sender.MaxRetries < 0 {
		cfg.Sender.MaxRetries = 0
	}
	setInt(&cfg.Sender.RetryBackoffMS, 2000)

	if cfg.Notify.RatePerSecond <= 0 {
		cfg.Notify.RatePerSecond = 25
	}
	setInt(&cfg.Notify.Burst, 5)
	setDuration(&cfg.Notify.Timeout, 10*time.Second)
	setInt(&cfg.Notify.QueueSize, 256)
	setInt(&cfg.Notify.Workers, 4)

	setDuration(&cfg.Logging.WarnEvery, 5*time.Minute)

	allowed := map[string]struct{}{
		UpdateCallback: {},
		UpdateMessage:  {},
	}
	for i, v := range cfg.RateLimit.ExcludeUpdates {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("invalid rate_limit.exclude_updates value %q; allowed: callback, message", v)
		}
		cfg.RateLimit.ExcludeUpdates[i] = key
	}
	return nil
}

// NormalizeRunMode maps a run mode and its aliases onto RunModeWebhook or RunModeLongpoll.
// An empty value selects long polling.
func NormalizeRunMode(raw string) (string, error) {
	rm := strings.ToLower(strings.TrimSpace(raw))
	switch rm {
	case "", "polling", RunModeLongpoll:
		return RunModeLongpoll, nil
	case RunModeWebhook:
		return RunModeWebhook, nil
	}
	return "", fmt.Errorf("invalid run mode %q; allowed: webhook, longpoll", raw)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}
