// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional shared idempotency cache

	// Ledger economics
	Currency          string
	FeePercent        float64
	MinFee            int64
	MinEscrow         int64
	MaxEscrow         int64
	DefaultTTLMinutes int64
	MaxTTLMinutes     int64
	StarterTokens     int64

	// Background work
	ExpiryInterval time.Duration
	ExpiryWarning  time.Duration
	LockTimeout    time.Duration
	IdempotencyTTL time.Duration

	// ReconcileInterval is how often the full ledger audit runs.
	ReconcileInterval time.Duration

	// Webhook delivery
	WebhookTimeout time.Duration
	WebhookWorkers int
	WebhookQueue   int

	// WebhookAllowPrivate permits loopback and private network targets.
	WebhookAllowPrivate bool

	// Consecutive failed deliveries before an endpoint is skipped, and for how long.
	WebhookBreakerThreshold int
	WebhookBreakerCooldown  time.Duration

	// Security
	RateLimitRPM      int
	RateLimitBurst    int
	CORSOrigins       []string
	OperatorJWTSecret string // HS256 secret for operator tokens
	OperatorKey       string // Bootstrap API key for an operator account (optional)

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultCurrency          = "ATE"
	DefaultFeePercent        = 3.0
	DefaultMinFee            = 1
	DefaultMinEscrow         = 1
	DefaultMaxEscrow         = 10000
	DefaultTTLMinutes        = 30
	DefaultMaxTTLMinutes     = 7 * 24 * 60
	DefaultStarterTokens     = 100
	DefaultExpiryInterval    = 30 * time.Second
	DefaultExpiryWarning     = 5 * time.Minute
	DefaultLockTimeout       = 5 * time.Second
	DefaultIdempotencyTTL    = 24 * time.Hour
	DefaultReconcileInterval = 5 * time.Minute
	DefaultWebhookTimeout    = 10 * time.Second
	DefaultWebhookWorkers    = 4
	DefaultWebhookQueue      = 1024
	DefaultBreakerThreshold  = 5
	DefaultBreakerCooldown   = 5 * time.Minute
	DefaultRateLimitRPM      = 120
	DefaultRateLimitBurst    = 20
	minOperatorSecretLength  = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		Currency:          getEnv("CURRENCY", DefaultCurrency),
		FeePercent:        getEnvFloat("FEE_PERCENT", DefaultFeePercent),
		MinFee:            getEnvInt64("MIN_FEE", DefaultMinFee),
		MinEscrow:         getEnvInt64("MIN_ESCROW", DefaultMinEscrow),
		MaxEscrow:         getEnvInt64("MAX_ESCROW", DefaultMaxEscrow),
		DefaultTTLMinutes: getEnvInt64("DEFAULT_TTL_MINUTES", DefaultTTLMinutes),
		MaxTTLMinutes:     getEnvInt64("MAX_TTL_MINUTES", DefaultMaxTTLMinutes),
		StarterTokens:     getEnvInt64("STARTER_TOKENS", DefaultStarterTokens),
		ExpiryInterval:    getEnvDuration("EXPIRY_INTERVAL", DefaultExpiryInterval),
		ExpiryWarning:     getEnvDuration("EXPIRY_WARNING", DefaultExpiryWarning),
		LockTimeout:       getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		IdempotencyTTL:    getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
		WebhookTimeout:    getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		WebhookWorkers:    int(getEnvInt64("WEBHOOK_WORKERS", DefaultWebhookWorkers)),
		WebhookQueue:      int(getEnvInt64("WEBHOOK_QUEUE", DefaultWebhookQueue)),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"*"}),
		OperatorJWTSecret: os.Getenv("OPERATOR_JWT_SECRET"),
		OperatorKey:       os.Getenv("OPERATOR_KEY"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	cfg.WebhookAllowPrivate = getEnvBool("WEBHOOK_ALLOW_PRIVATE", false)
	cfg.WebhookBreakerThreshold = int(getEnvInt64("WEBHOOK_BREAKER_THRESHOLD", DefaultBreakerThreshold))
	cfg.WebhookBreakerCooldown = getEnvDuration("WEBHOOK_BREAKER_COOLDOWN", DefaultBreakerCooldown)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Currency == "" {
		return fmt.Errorf("CURRENCY must not be empty")
	}
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("FEE_PERCENT must be between 0 and 100, got %v", c.FeePercent)
	}
	if c.MinFee < 0 {
		return fmt.Errorf("MIN_FEE must not be negative")
	}
	if c.MinEscrow < 1 {
		return fmt.Errorf("MIN_ESCROW must be at least 1")
	}
	if c.MaxEscrow < c.MinEscrow {
		return fmt.Errorf("MAX_ESCROW (%d) must be >= MIN_ESCROW (%d)", c.MaxEscrow, c.MinEscrow)
	}
	if c.DefaultTTLMinutes < 0 || c.DefaultTTLMinutes > c.MaxTTLMinutes {
		return fmt.Errorf("DEFAULT_TTL_MINUTES must be between 0 and MAX_TTL_MINUTES")
	}
	if c.StarterTokens < 0 {
		return fmt.Errorf("STARTER_TOKENS must not be negative")
	}
	if c.ExpiryInterval <= 0 {
		return fmt.Errorf("EXPIRY_INTERVAL must be positive")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.WebhookWorkers < 1 || c.WebhookQueue < 1 {
		return fmt.Errorf("WEBHOOK_WORKERS and WEBHOOK_QUEUE must be at least 1")
	}
	if c.RateLimitRPM < 1 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be at least 1")
	}
	if c.IsProduction() && c.WebhookAllowPrivate {
		return fmt.Errorf("WEBHOOK_ALLOW_PRIVATE cannot be enabled in production")
	}
	if c.IsProduction() && len(c.OperatorJWTSecret) < minOperatorSecretLength {
		return fmt.Errorf("OPERATOR_JWT_SECRET must be at least %d characters in production", minOperatorSecretLength)
	}
	return nil
}

// FeeBasisPoints converts FeePercent to basis points (3.0% -> 300).
func (c *Config) FeeBasisPoints() int64 {
	return int64(c.FeePercent*100 + 0.5)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
