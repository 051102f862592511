package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, "https://securepay.tinkoff.ru/v2", cfg.TBankBaseURL)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ADDR", ":9000")
	t.Setenv("POLL_INTERVAL", "5s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FRONTEND_URL", "https://front.example/")
	t.Setenv("TBANK_BASE_URL", "https://sandbox.example/v2/")

	cfg := Load()

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "https://front.example", cfg.FrontendURL, "trailing slash is trimmed")
	assert.Equal(t, "https://sandbox.example/v2", cfg.TBankBaseURL)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_INT", "42")
	t.Setenv("X_BAD_INT", "forty-two")
	t.Setenv("X_DUR", "250ms")

	assert.Equal(t, 42, getEnvInt("X_INT", 7))
	assert.Equal(t, 7, getEnvInt("X_BAD_INT", 7))
	assert.Equal(t, 7, getEnvInt("X_MISSING", 7))
	assert.Equal(t, 250*time.Millisecond, getEnvDuration("X_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("X_MISSING", time.Second))
}
