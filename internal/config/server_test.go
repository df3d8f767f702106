package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadControlConfig_Defaults(t *testing.T) {
	for _, key := range []string{"ENV", "PORT", "LISTEN_ADDR", "SERVICE_TOKEN", "DATABASE_URL",
		"RATE_LIMIT_REQUESTS", "RATE_LIMIT_PERIOD", "POLL_AFTER_MS", "PAIRING_TTL", "AUTO_APPROVE_PAIRING"} {
		t.Setenv(key, "")
	}

	cfg := LoadControlConfig()
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, ":4040", cfg.Addr())
	assert.Equal(t, int64(100), cfg.RateLimitRequests)
	assert.Equal(t, time.Minute, cfg.RateLimitPeriod)
	assert.Equal(t, 3*time.Second, cfg.PollAfter)
	assert.Equal(t, 10*time.Minute, cfg.PairingTTL)
	assert.True(t, cfg.AutoApprovePairing)
	assert.True(t, cfg.ServiceAuthDisabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoadControlConfig_Overrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("PORT", "8080")
	t.Setenv("SERVICE_TOKEN", "s3cret")
	t.Setenv("RATE_LIMIT_PERIOD", "30s")
	t.Setenv("POLL_AFTER_MS", "500")
	t.Setenv("AUTO_APPROVE_PAIRING", "no")

	cfg := LoadControlConfig()
	assert.Equal(t, EnvProduction, cfg.Environment)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 30*time.Second, cfg.RateLimitPeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.PollAfter)
	assert.False(t, cfg.AutoApprovePairing)
	assert.False(t, cfg.ServiceAuthDisabled())
	assert.NoError(t, cfg.Validate())

	t.Setenv("LISTEN_ADDR", "127.0.0.1:9000")
	assert.Equal(t, "127.0.0.1:9000", LoadControlConfig().Addr())
}

func TestLoadControlConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("ENV", "invalid")
	t.Setenv("PORT", "99999")
	t.Setenv("RATE_LIMIT_REQUESTS", "-3")
	t.Setenv("PAIRING_TTL", "soon")

	cfg := LoadControlConfig()
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, 4040, cfg.Port)
	assert.Equal(t, int64(100), cfg.RateLimitRequests)
	assert.Equal(t, 10*time.Minute, cfg.PairingTTL)
}

func TestControlConfig_ValidateRequiresTokenOutsideDevelopment(t *testing.T) {
	for _, env := range []Environment{EnvStaging, EnvProduction} {
		t.Run(string(env), func(t *testing.T) {
			cfg := ControlConfig{Environment: env}
			assert.Error(t, cfg.Validate())
			assert.False(t, cfg.ServiceAuthDisabled())
		})
	}
}
