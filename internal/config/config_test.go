package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.IPC.LockTimeoutSec)
	assert.Equal(t, 300, cfg.IPC.LockStaleTimeoutSec)
	assert.Equal(t, 2, cfg.Health.DegradeStreak)
	assert.Equal(t, 2, cfg.Health.RecoverStreak)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout())
	assert.Equal(t, 3, cfg.Supervisor.MaxRetries)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.EventLog.StreamEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRIAD_LOCK_TIMEOUT_SEC", "10")
	t.Setenv("TRIAD_HEALTH_DEGRADE_STREAK", "3")
	t.Setenv("TRIAD_BREAKER_THRESHOLD", "7")
	t.Setenv("TRIAD_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.IPC.LockTimeout())
	assert.Equal(t, 3, cfg.Health.DegradeStreak)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triad.yaml")
	content := []byte(`
state_dir: /var/lib/triad
health:
  degrade_streak: 4
  recover_streak: 2
breaker:
  failure_threshold: 9
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	t.Setenv("TRIAD_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/triad", cfg.StateDir)
	assert.Equal(t, 4, cfg.Health.DegradeStreak)
	assert.Equal(t, 9, cfg.Breaker.FailureThreshold)
	// Untouched sections keep defaults.
	assert.Equal(t, 30, cfg.IPC.LockTimeoutSec)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))
	t.Setenv("TRIAD_CONFIG", path)
	t.Setenv("TRIAD_LOG_LEVEL", "error")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoad_InvalidLockTimeout(t *testing.T) {
	t.Setenv("TRIAD_LOCK_TIMEOUT_SEC", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock timeout")
}

func TestLoad_StaleTimeoutMustExceedLockTimeout(t *testing.T) {
	t.Setenv("TRIAD_LOCK_TIMEOUT_SEC", "30")
	t.Setenv("TRIAD_LOCK_STALE_TIMEOUT_SEC", "30")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale lock timeout")
}

func TestLoad_StreamRequiresRedisURL(t *testing.T) {
	t.Setenv("TRIAD_EVENT_STREAM_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis URL")
}

func TestLoad_InvalidEnvIntFallsBack(t *testing.T) {
	t.Setenv("TRIAD_BREAKER_THRESHOLD", "not-a-number")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestDurationAccessors(t *testing.T) {
	cfg := defaults()
	assert.Equal(t, 100*time.Millisecond, cfg.IPC.PollInterval())
	assert.Equal(t, 24*time.Hour, cfg.EventLog.Retention())
	assert.Equal(t, 2*time.Second, cfg.Health.MinDwell())
	assert.Equal(t, time.Second, cfg.Supervisor.BackoffBase())
	assert.Equal(t, 30*time.Second, cfg.Supervisor.BackoffMax())
	assert.Equal(t, 60*time.Second, cfg.Startup.DefaultComponentTimeout())
	assert.Equal(t, 5*time.Minute, cfg.Alert.Cooldown())
}
