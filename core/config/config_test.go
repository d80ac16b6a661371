package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := &Config{
		Auth:     AuthConfig{Secret: "0123456789abcdef"},
		Database: DatabaseConfig{Driver: "memory"},
	}
	require.NoError(t, Normalize(cfg))

	assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, time.Hour, cfg.Session.SweepInterval)
	assert.Equal(t, 5, cfg.Session.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Session.ReconnectBase)
	assert.Equal(t, 30*time.Second, cfg.Session.ReconnectMax)
	assert.Equal(t, 5*time.Minute, cfg.Logging.WarnEvery)
	assert.Equal(t, "USD", cfg.Orders.Currency)
	assert.Equal(t, ":8080", cfg.HTTP.Listen)
	assert.Equal(t, "shopfleet", cfg.Redis.Prefix)
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	cases := map[string]*Config{
		"missing secret": {Database: DatabaseConfig{Driver: "memory"}},
		"bad run mode": {
			Auth:     AuthConfig{Secret: "0123456789abcdef"},
			Database: DatabaseConfig{Driver: "memory"},
			Telegram: TelegramConfig{RunMode: "carrier-pigeon"},
		},
		"webhook without url": {
			Auth:     AuthConfig{Secret: "0123456789abcdef"},
			Database: DatabaseConfig{Driver: "memory"},
			Telegram: TelegramConfig{RunMode: "webhook"},
		},
		"postgres without host": {
			Auth: AuthConfig{Secret: "0123456789abcdef"},
		},
		"bad exclude": {
			Auth:      AuthConfig{Secret: "0123456789abcdef"},
			Database:  DatabaseConfig{Driver: "memory"},
			RateLimit: RateLimitConfig{ExcludeUpdates: []string{"inline_query"}},
		},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Normalize(cfg))
		})
	}
}

func TestLoadAppliesEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
telegram:
  run_mode: polling
auth:
  secret: file-secret-0123456789
database:
  driver: memory
session:
  ttl: 2h
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("AUTH_SECRET", "env-secret-0123456789")
	t.Setenv("WEBHOOK_URL", "https://shop.example.com/")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-secret-0123456789", cfg.Auth.Secret)
	assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, "https://shop.example.com", cfg.Webhook.URL)
}
