package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Queue.CleanupInterval)
	assert.Equal(t, 5*time.Minute, cfg.Queue.StaleAfter)
	assert.Equal(t, 10*time.Second, cfg.Queue.PriorityOffset)
	assert.Equal(t, 5*time.Minute, cfg.Match.PendingTTL)
	assert.Equal(t, time.Minute, cfg.Match.RejectedTTL)
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MATCH_PENDING_TTL", "2m")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Match.PendingTTL)
	assert.Equal(t, 5, cfg.RateLimit.PerMinute)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", "does-not-exist.yaml")

	_, err := Load()
	assert.Error(t, err)
}
