package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("GATEWAY_WEBHOOK_SECRET", "")
	t.Setenv("NOTIFY_URL", "")
	t.Setenv("REFUND_HOLD", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultRefundHold, cfg.RefundHold)
	assert.Equal(t, DefaultMinPayment, cfg.MinPayment)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_RefundHoldFormats(t *testing.T) {
	t.Setenv("GATEWAY_WEBHOOK_SECRET", "")
	t.Setenv("NOTIFY_URL", "")

	t.Setenv("REFUND_HOLD", "24h")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.RefundHold)

	// Bare integers are treated as seconds
	t.Setenv("REFUND_HOLD", "3600")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.RefundHold)
}

func TestValidate_ProductionRequiresGatewaySecret(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.Error(t, cfg.Validate())

	cfg.GatewaySecret = "whsec_test"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_NotifySecretRequiredWithURL(t *testing.T) {
	cfg := &Config{Env: "development", NotifyURL: "https://hooks.example.com/ledger"}
	assert.Error(t, cfg.Validate())

	cfg.NotifySecret = "secret"
	assert.NoError(t, cfg.Validate())
}
