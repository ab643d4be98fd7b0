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

	// Payment gateway
	GatewaySecret string // shared HMAC secret for inbound gateway webhooks

	// Notifications
	NotifyURL    string // collaborator endpoint for payment/allocation/refund events
	NotifySecret string // HMAC secret for signing outbound notifications

	// Billing behaviour
	RefundHold       time.Duration // how long refunded funds stay held before the wallet is credited
	StandingInterval time.Duration // standing-order tick cadence
	MinPayment       string        // smallest accepted payment amount

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultRefundHold       = 48 * time.Hour
	DefaultStandingInterval = time.Hour
	DefaultMinPayment       = "0.01"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewaySecret:    os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		NotifyURL:        os.Getenv("NOTIFY_URL"),
		NotifySecret:     os.Getenv("NOTIFY_SECRET"),
		RefundHold:       getEnvDuration("REFUND_HOLD", DefaultRefundHold),
		StandingInterval: getEnvDuration("STANDING_ORDER_INTERVAL", DefaultStandingInterval),
		MinPayment:       getEnv("MIN_PAYMENT", DefaultMinPayment),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() && c.GatewaySecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required in production")
	}
	if c.NotifyURL != "" && c.NotifySecret == "" {
		return fmt.Errorf("NOTIFY_SECRET is required when NOTIFY_URL is set")
	}
	if c.RefundHold < 0 {
		return fmt.Errorf("REFUND_HOLD must not be negative")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
