// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	ExpiryGraceWindow time.Duration // extra window after expires_at before the reaper force-expires
	SweepInterval     time.Duration // how often the expiry reaper runs
	SweepBatchLimit   int           // max transactions per sweep
	MinDurationHours  int
	MaxDurationHours  int

	// Points
	PointExchangeRate int64 // smallest currency units credited per point exchanged

	// Reconciliation
	ReconcileInterval time.Duration

	// Payment gateway
	StripeWebhookSecret string // signing secret for Stripe webhook deliveries

	// Security
	AdminSecret  string // admin API secret (dispute resolution, manual sweeps)
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultGraceWindow       = time.Hour
	DefaultSweepInterval     = 5 * time.Minute
	DefaultSweepBatchLimit   = 100
	DefaultMinDurationHours  = 1
	DefaultMaxDurationHours  = 168
	DefaultPointExchangeRate = 1000
	DefaultReconcileInterval = 15 * time.Minute
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ExpiryGraceWindow:   getEnvDuration("EXPIRY_GRACE_WINDOW", DefaultGraceWindow),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatchLimit:     int(getEnvInt64("SWEEP_BATCH_LIMIT", DefaultSweepBatchLimit)),
		MinDurationHours:    int(getEnvInt64("MIN_DURATION_HOURS", DefaultMinDurationHours)),
		MaxDurationHours:    int(getEnvInt64("MAX_DURATION_HOURS", DefaultMaxDurationHours)),
		PointExchangeRate:   getEnvInt64("POINT_EXCHANGE_RATE", DefaultPointExchangeRate),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SweepBatchLimit <= 0 {
		return fmt.Errorf("SWEEP_BATCH_LIMIT must be positive")
	}
	if c.ExpiryGraceWindow < 0 {
		return fmt.Errorf("EXPIRY_GRACE_WINDOW must not be negative")
	}
	if c.MinDurationHours < 1 || c.MaxDurationHours < c.MinDurationHours {
		return fmt.Errorf("invalid escrow duration bounds: min=%d max=%d", c.MinDurationHours, c.MaxDurationHours)
	}
	if c.PointExchangeRate <= 0 {
		return fmt.Errorf("POINT_EXCHANGE_RATE must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
