package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/conveyor/pkg/observability"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, time.Minute, cfg.Scheduler.TriggerInterval)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.StaleTimeout)
	assert.Equal(t, 100, cfg.Scheduler.ClaimLimit)
	assert.Equal(t, 500, cfg.Scheduler.TriggerLimit)
	assert.Equal(t, 100, cfg.Scheduler.GlobalConcurrency)
	assert.Equal(t, 50*time.Second, cfg.Scheduler.DrainTimeBudget)
	assert.Equal(t, 5, cfg.Quota.MaxRetries)
	assert.Equal(t, 25*time.Millisecond, cfg.Quota.RetryBackoff)
	assert.False(t, cfg.Webhooks.Enabled)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("CONVEYOR_PORT", "8888")
	t.Setenv("CONVEYOR_STORAGE_TYPE", "postgres")
	t.Setenv("CONVEYOR_POSTGRES_URL", "postgres://localhost:5432/conveyor")
	t.Setenv("CONVEYOR_STALE_TIMEOUT", "45m")
	t.Setenv("CONVEYOR_CLAIM_LIMIT", "250")
	t.Setenv("CONVEYOR_ROOT_CREDENTIAL", "super-secret")
	t.Setenv("CONVEYOR_LOG_LEVEL", "debug")
	t.Setenv("CONVEYOR_WEBHOOKS_ENABLED", "true")
	t.Setenv("CONVEYOR_WEBHOOK_URL", "https://hooks.example.com/conveyor")
	t.Setenv("CONVEYOR_WEBHOOK_SECRET", "hook-secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8888", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, "postgres://localhost:5432/conveyor", cfg.Storage.PostgresURL)
	assert.Equal(t, 45*time.Minute, cfg.Scheduler.StaleTimeout)
	assert.Equal(t, 250, cfg.Scheduler.ClaimLimit)
	assert.Equal(t, "super-secret", cfg.Auth.RootCredential)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.True(t, cfg.Webhooks.Enabled)
}

func TestLoadConfigMalformedValuesFallBack(t *testing.T) {
	t.Setenv("CONVEYOR_CLAIM_LIMIT", "many")
	t.Setenv("CONVEYOR_STALE_TIMEOUT", "soon")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Scheduler.ClaimLimit)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.StaleTimeout)
}

func TestValidatePortConflict(t *testing.T) {
	t.Setenv("CONVEYOR_PORT", "9090")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be different")
}

func TestValidatePostgresRequiresURL(t *testing.T) {
	t.Setenv("CONVEYOR_STORAGE_TYPE", "postgres")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres URL is required")
}

func TestValidateRejectsUnknownStorageType(t *testing.T) {
	t.Setenv("CONVEYOR_STORAGE_TYPE", "tape")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid storage type")
}

func TestValidateWebhooksNeedURLAndSecret(t *testing.T) {
	t.Setenv("CONVEYOR_WEBHOOKS_ENABLED", "true")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook URL is required")

	t.Setenv("CONVEYOR_WEBHOOK_URL", "https://hooks.example.com/conveyor")
	_, err = LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook secret is required")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, observability.DebugLevel, parseLogLevel("debug"))
	assert.Equal(t, observability.WarnLevel, parseLogLevel("WARNING"))
	assert.Equal(t, observability.ErrorLevel, parseLogLevel("error"))
	assert.Equal(t, observability.InfoLevel, parseLogLevel("verbose"))
}
