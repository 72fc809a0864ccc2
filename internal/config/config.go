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

	// Payment gateway (Stripe)
	StripeSecretKey     string
	StripeWebhookSecret string
	GatewayTimeout      time.Duration // per-call timeout for gateway network I/O

	// Purchase policy
	Currency          string
	BuyerMarkupBps    int64         // buyer pays this fraction of base price, in basis points
	AccessWindow      time.Duration // rolling access window started on first grant
	MaxTrustedDevices int
	DeviceCodeTTL     time.Duration
	PendingHold       time.Duration // how long earnings stay pending before release

	// Outbound notifications (best-effort)
	NotifyURL    string
	NotifySecret string

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCurrency       = "usd"
	DefaultBuyerMarkupBps = 11000 // buyer pays 110% of seller base price
	DefaultMaxDevices     = 3
	DefaultRateLimitRPM   = 120
)

const (
	DefaultGatewayTimeout = 5 * time.Second
	DefaultAccessWindow   = 24 * time.Hour
	DefaultDeviceCodeTTL  = 15 * time.Minute
	DefaultPendingHold    = 72 * time.Hour
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		BuyerMarkupBps:      getEnvInt64("BUYER_MARKUP_BPS", DefaultBuyerMarkupBps),
		AccessWindow:        getEnvDuration("ACCESS_WINDOW", DefaultAccessWindow),
		MaxTrustedDevices:   int(getEnvInt64("MAX_TRUSTED_DEVICES", DefaultMaxDevices)),
		DeviceCodeTTL:       getEnvDuration("DEVICE_CODE_TTL", DefaultDeviceCodeTTL),
		PendingHold:         getEnvDuration("PENDING_HOLD", DefaultPendingHold),
		NotifyURL:           os.Getenv("NOTIFY_URL"),
		NotifySecret:        os.Getenv("NOTIFY_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.BuyerMarkupBps < 10000 {
		return fmt.Errorf("BUYER_MARKUP_BPS must be at least 10000 (100%%)")
	}
	if c.MaxTrustedDevices < 1 {
		return fmt.Errorf("MAX_TRUSTED_DEVICES must be at least 1")
	}
	if c.AccessWindow <= 0 {
		return fmt.Errorf("ACCESS_WINDOW must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
