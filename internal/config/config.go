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
	Port       string
	Env        string // "development", "staging", "production"
	LogLevel   string
	LogFormat  string // "text" or "json"
	AppBaseURL string // used for payout onboarding return links

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply pending migrations at startup

	// Payment processor
	StripeSecretKey     string // empty in development selects the in-memory sandbox
	StripeWebhookSecret string
	CommissionRate      float64
	Currency            string
	ProcessorTimeout    time.Duration

	// Lifecycle windows
	ProofWindow       time.Duration
	ReviewWindow      time.Duration
	ReconcileInterval time.Duration

	// Security
	AdminSecret        string
	RateLimitRPS       int
	CORSAllowedOrigins []string // empty disables CORS

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultCommissionRate    = 0.15
	DefaultCurrency          = "usd"
	DefaultProcessorTimeout  = 15 * time.Second
	DefaultProofWindow       = 24 * time.Hour
	DefaultReviewWindow      = 24 * time.Hour
	DefaultReconcileInterval = 5 * time.Minute
	DefaultRateLimit         = 100
	DefaultAppBaseURL        = "http://localhost:8080"
	DefaultTraceSampleRatio  = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		AppBaseURL:          getEnv("APP_BASE_URL", DefaultAppBaseURL),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CommissionRate:      getEnvFloat("PLATFORM_COMMISSION_RATE", DefaultCommissionRate),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		ProcessorTimeout:    getEnvDuration("PROCESSOR_TIMEOUT", DefaultProcessorTimeout),
		ProofWindow:         getEnvDuration("PROOF_WINDOW", DefaultProofWindow),
		ReviewWindow:        getEnvDuration("REVIEW_WINDOW", DefaultReviewWindow),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("TRACE_SAMPLE_RATIO", DefaultTraceSampleRatio),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		return fmt.Errorf("PLATFORM_COMMISSION_RATE must be in [0, 1), got %v", c.CommissionRate)
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code, got %q", c.Currency)
	}
	if c.ProofWindow <= 0 || c.ReviewWindow <= 0 {
		return fmt.Errorf("PROOF_WINDOW and REVIEW_WINDOW must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.ProcessorTimeout <= 0 {
		return fmt.Errorf("PROCESSOR_TIMEOUT must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be in [0, 1], got %v", c.TraceSampleRatio)
	}

	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}

	return nil
}

// UseSandbox reports whether the in-memory processor should be used.
func (c *Config) UseSandbox() bool {
	return c.StripeSecretKey == ""
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

// getEnvList splits a comma-separated value, dropping blanks and trailing slashes.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, strings.TrimRight(v, "/"))
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
