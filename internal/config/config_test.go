package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://n8n:5678", cfg.Engine.URL())
	assert.Equal(t, 30*time.Second, cfg.Engine.HTTPTimeout)
	assert.Equal(t, 30*time.Second, cfg.Cascade.SettleDelay)
	assert.Equal(t, 10, cfg.Cascade.Activation.MaxAttempts)
	assert.Equal(t, 5, cfg.Cascade.Production.MaxAttempts)
	assert.Equal(t, 5, cfg.Cascade.Test.MaxAttempts)
	assert.Equal(t, 10, cfg.Cascade.Execution.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Cascade.Execution.Delay)
	assert.Equal(t, "crypto_workflow_", cfg.Engine.NamePrefix)
	assert.True(t, cfg.Reaper.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cryptoquery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  base_url: http://engine.internal:5678/
cascade:
  settle_delay: 2s
  production:
    max_attempts: 3
    delay: 250ms
    multiplier: 2
`), 0o600))
	t.Setenv("N8N_API_KEY", "legacy-key")
	t.Setenv("CRYPTOCOMPARE_API_KEY", "cc-key")
	t.Setenv("CRYPTOQ_REAPER_GRACE_PERIOD", "90s")

	cfg, _, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://engine.internal:5678", cfg.Engine.URL())
	assert.Equal(t, "legacy-key", cfg.Engine.APIKey)
	assert.Equal(t, "cc-key", cfg.MarketData.APIKey)
	assert.Equal(t, 2*time.Second, cfg.Cascade.SettleDelay)
	assert.Equal(t, 3, cfg.Cascade.Production.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Cascade.Production.Delay)
	assert.Equal(t, 2.0, cfg.Cascade.Production.Multiplier)
	assert.Equal(t, 90*time.Second, cfg.Reaper.GracePeriod)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cascade:\n  execution:\n    max_attempts: 0\n"), 0o600))
	_, _, err := Load(path)
	assert.ErrorContains(t, err, "cascade.execution.max_attempts")

	require.NoError(t, os.WriteFile(path, []byte("auth:\n  enabled: true\n"), 0o600))
	_, _, err = Load(path)
	assert.ErrorContains(t, err, "jwt_secret")

	require.NoError(t, os.WriteFile(path, []byte("engine: [unclosed"), 0o600))
	_, _, err = Load(path)
	assert.Error(t, err)
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CRYPTOQ_TEST_DOTENV_A=from-file\nCRYPTOQ_TEST_DOTENV_B=from-file\n"), 0o600))
	t.Setenv("CRYPTOQ_TEST_DOTENV_A", "from-env")
	t.Cleanup(func() { os.Unsetenv("CRYPTOQ_TEST_DOTENV_B") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-env", os.Getenv("CRYPTOQ_TEST_DOTENV_A"))
	assert.Equal(t, "from-file", os.Getenv("CRYPTOQ_TEST_DOTENV_B"))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestWatchReloadsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cryptoquery.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cascade:\n  settle_delay: 1s\n"), 0o600))

	_, v, err := Load(path)
	require.NoError(t, err)

	var settle atomic.Int64
	require.True(t, Watch(v, zap.NewNop(), func(c *Config) {
		settle.Store(int64(c.Cascade.SettleDelay))
	}))

	require.NoError(t, os.WriteFile(path, []byte("cascade:\n  settle_delay: 7s\n"), 0o600))
	assert.Eventually(t, func() bool {
		return time.Duration(settle.Load()) == 7*time.Second
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatchWithoutFile(t *testing.T) {
	_, v, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.False(t, Watch(v, zaptest.NewLogger(t), func(*Config) {}))
}
