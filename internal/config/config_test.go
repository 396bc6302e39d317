package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, DefaultFeePercent, cfg.FeePercent)
	assert.Equal(t, int64(DefaultMinFee), cfg.MinFee)
	assert.Equal(t, int64(DefaultMaxEscrow), cfg.MaxEscrow)
	assert.Equal(t, int64(DefaultTTLMinutes), cfg.DefaultTTLMinutes)
	assert.Equal(t, int64(DefaultStarterTokens), cfg.StarterTokens)
	assert.Equal(t, DefaultIdempotencyTTL, cfg.IdempotencyTTL)
	assert.Equal(t, DefaultWebhookTimeout, cfg.WebhookTimeout)
	assert.Equal(t, int64(300), cfg.FeeBasisPoints())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "FEE_PERCENT", "10")
	setEnv(t, "MIN_FEE", "0")
	setEnv(t, "EXPIRY_INTERVAL", "5s")
	setEnv(t, "LOCK_TIMEOUT", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(1000), cfg.FeeBasisPoints())
	assert.Equal(t, int64(0), cfg.MinFee)
	assert.Equal(t, 5*time.Second, cfg.ExpiryInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
}

func TestLoad_ListsAndFlags(t *testing.T) {
	setEnv(t, "CORS_ORIGINS", " https://a.example , ,https://b.example")
	setEnv(t, "WEBHOOK_ALLOW_PRIVATE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.WebhookAllowPrivate)
}

func TestLoad_MalformedValuesFallBackToDefaults(t *testing.T) {
	setEnv(t, "MAX_ESCROW", "lots")
	setEnv(t, "EXPIRY_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultMaxEscrow), cfg.MaxEscrow)
	assert.Equal(t, DefaultExpiryInterval, cfg.ExpiryInterval)
}

func TestLoad_ProductionRequiresOperatorSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "OPERATOR_JWT_SECRET", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPERATOR_JWT_SECRET")
}

func validConfig() Config {
	return Config{
		Currency:          DefaultCurrency,
		FeePercent:        DefaultFeePercent,
		MinFee:            DefaultMinFee,
		MinEscrow:         DefaultMinEscrow,
		MaxEscrow:         DefaultMaxEscrow,
		DefaultTTLMinutes: DefaultTTLMinutes,
		MaxTTLMinutes:     DefaultMaxTTLMinutes,
		StarterTokens:     DefaultStarterTokens,
		ExpiryInterval:    DefaultExpiryInterval,
		LockTimeout:       DefaultLockTimeout,
		WebhookWorkers:    DefaultWebhookWorkers,
		WebhookQueue:      DefaultWebhookQueue,
		RateLimitRPM:      DefaultRateLimitRPM,
		RateLimitBurst:    DefaultRateLimitBurst,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty currency", func(c *Config) { c.Currency = "" }, "CURRENCY"},
		{"negative fee", func(c *Config) { c.FeePercent = -1 }, "FEE_PERCENT"},
		{"fee over 100", func(c *Config) { c.FeePercent = 101 }, "FEE_PERCENT"},
		{"negative min fee", func(c *Config) { c.MinFee = -1 }, "MIN_FEE"},
		{"zero min escrow", func(c *Config) { c.MinEscrow = 0 }, "MIN_ESCROW"},
		{"max below min", func(c *Config) { c.MaxEscrow = 0 }, "MAX_ESCROW"},
		{"ttl above max", func(c *Config) { c.DefaultTTLMinutes = c.MaxTTLMinutes + 1 }, "DEFAULT_TTL_MINUTES"},
		{"zero interval", func(c *Config) { c.ExpiryInterval = 0 }, "EXPIRY_INTERVAL"},
		{"zero lock timeout", func(c *Config) { c.LockTimeout = 0 }, "LOCK_TIMEOUT"},
		{"no workers", func(c *Config) { c.WebhookWorkers = 0 }, "WEBHOOK_WORKERS"},
		{"zero burst", func(c *Config) { c.RateLimitBurst = 0 }, "RATE_LIMIT_BURST"},
		{"private webhooks in production", func(c *Config) {
			c.Env = "production"
			c.OperatorJWTSecret = "0123456789abcdef0123456789abcdef"
			c.WebhookAllowPrivate = true
		}, "WEBHOOK_ALLOW_PRIVATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
