package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Env:               DefaultEnv,
		CommissionRate:    DefaultCommissionRate,
		Currency:          DefaultCurrency,
		ProcessorTimeout:  DefaultProcessorTimeout,
		ProofWindow:       DefaultProofWindow,
		ReviewWindow:      DefaultReviewWindow,
		ReconcileInterval: DefaultReconcileInterval,
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCommissionRate, cfg.CommissionRate)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.Equal(t, DefaultTraceSampleRatio, cfg.TraceSampleRatio)
	assert.True(t, cfg.UseSandbox())
}

func TestLoad_ParsesDurationsAndRate(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("PLATFORM_COMMISSION_RATE", "0.2")
	t.Setenv("PROOF_WINDOW", "48h")
	t.Setenv("RECONCILE_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.InDelta(t, 0.2, cfg.CommissionRate, 1e-9)
	assert.Equal(t, 48*time.Hour, cfg.ProofWindow)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
}

func TestLoad_ProductionRequiresStripe(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("STRIPE_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "negative rate", mutate: func(c *Config) { c.CommissionRate = -0.1 }, wantErr: "PLATFORM_COMMISSION_RATE"},
		{name: "rate of one", mutate: func(c *Config) { c.CommissionRate = 1 }, wantErr: "PLATFORM_COMMISSION_RATE"},
		{name: "bad currency", mutate: func(c *Config) { c.Currency = "dollars" }, wantErr: "CURRENCY"},
		{name: "zero proof window", mutate: func(c *Config) { c.ProofWindow = 0 }, wantErr: "PROOF_WINDOW"},
		{name: "sample ratio above one", mutate: func(c *Config) { c.TraceSampleRatio = 1.5 }, wantErr: "TRACE_SAMPLE_RATIO"},
		{name: "key without webhook secret", mutate: func(c *Config) { c.StripeSecretKey = "sk_test_x" }, wantErr: "STRIPE_WEBHOOK_SECRET"},
		{name: "production without admin secret", mutate: func(c *Config) {
			c.Env = "production"
			c.StripeSecretKey = "sk_live_x"
			c.StripeWebhookSecret = "whsec_x"
		}, wantErr: "ADMIN_SECRET"},
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

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("PACTUM_TEST_INT", "42")
	t.Setenv("PACTUM_TEST_BAD_INT", "nope")
	t.Setenv("PACTUM_TEST_DUR", "90s")
	t.Setenv("PACTUM_TEST_FLOAT", "0.05")
	t.Setenv("PACTUM_TEST_BOOL", "true")
	t.Setenv("PACTUM_TEST_LIST", " https://app.pactum.io/, ,https://ops.pactum.io")

	assert.Equal(t, "fallback", getEnv("PACTUM_TEST_UNSET", "fallback"))
	assert.Equal(t, int64(42), getEnvInt64("PACTUM_TEST_INT", 1))
	assert.Equal(t, int64(1), getEnvInt64("PACTUM_TEST_BAD_INT", 1))
	assert.Equal(t, 90*time.Second, getEnvDuration("PACTUM_TEST_DUR", time.Second))
	assert.InDelta(t, 0.05, getEnvFloat("PACTUM_TEST_FLOAT", 0), 1e-9)
	assert.True(t, getEnvBool("PACTUM_TEST_BOOL", false))
	assert.False(t, getEnvBool("PACTUM_TEST_BAD_INT", false))
	assert.Equal(t, []string{"https://app.pactum.io", "https://ops.pactum.io"}, getEnvList("PACTUM_TEST_LIST"))
	assert.Nil(t, getEnvList("PACTUM_TEST_UNSET"))
}
