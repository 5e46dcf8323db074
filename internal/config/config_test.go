package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("REMOTE_API_URL", "https://textit.example.org/api/v2")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.True(t, cfg.IsProduction())
		assert.Equal(t, 2.0, cfg.Remote.RPS)
		assert.Equal(t, 3, cfg.Remote.MaxRetries)
		assert.Equal(t, 15*time.Minute, cfg.Sync.DefaultInterval)
		assert.Equal(t, "0 30 3 * * *", cfg.Sync.CleanupSchedule)
		assert.Equal(t, time.Hour, cfg.Alerts.Cooldown)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("REMOTE_API_URL", "http://localhost:8000/api/v2")
		t.Setenv("ENVIRONMENT", "Development")
		t.Setenv("SYNC_INTERVAL", "600")
		t.Setenv("REMOTE_TIMEOUT", "45s")

		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.IsDevelopment())
		assert.Equal(t, 10*time.Minute, cfg.Sync.DefaultInterval)
		assert.Equal(t, 45*time.Second, cfg.Remote.Timeout)
		assert.NoError(t, cfg.Validate(), "plain http is allowed outside production")
	})

	t.Run("missing remote url", func(t *testing.T) {
		t.Setenv("REMOTE_API_URL", "")
		_, err := Load()
		assert.ErrorIs(t, err, ErrMissingConfig)
	})

	t.Run("invalid values", func(t *testing.T) {
		for key, value := range map[string]string{
			"PORT":           "eighty",
			"REMOTE_RPS":     "0",
			"SYNC_INTERVAL":  "30s",
			"ALERT_COOLDOWN": "soon",
		} {
			t.Run(key, func(t *testing.T) {
				t.Setenv("REMOTE_API_URL", "https://textit.example.org")
				t.Setenv(key, value)
				_, err := Load()
				assert.ErrorIs(t, err, ErrInvalidConfig)
			})
		}
	})

	t.Run("production requires https", func(t *testing.T) {
		t.Setenv("REMOTE_API_URL", "http://textit.example.org")
		cfg, err := Load()
		require.NoError(t, err)
		assert.ErrorIs(t, cfg.Validate(), ErrValidationFailed)
	})
}
