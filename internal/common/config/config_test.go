package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Bus.URL)
	assert.False(t, cfg.Bus.Standalone)
	assert.Equal(t, 3, cfg.Heartbeat.PeriodSeconds)
	assert.Equal(t, 9, cfg.Heartbeat.TTLSeconds)
	assert.Equal(t, 300, cfg.Ownership.TTLSeconds)
	assert.Equal(t, 10, cfg.Ownership.DefaultGraceSeconds)
	assert.Equal(t, "hybrid", cfg.History.Strategy)
	assert.Equal(t, 8000, cfg.History.TokenThreshold)
	assert.Equal(t, 100000, cfg.Memory.TokenLimit)
	assert.Equal(t, 0.8, cfg.Memory.SummarizeThreshold)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
bus:
  url: redis://localhost:6379/0
agent:
  name: backend
  project: shop
history:
  strategy: token
  tokenThreshold: 4000
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentmux.yaml"), []byte(content), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Bus.URL)
	assert.Equal(t, "backend", cfg.Agent.Name)
	assert.Equal(t, "shop", cfg.Agent.Project)
	assert.Equal(t, "token", cfg.History.Strategy)
	assert.Equal(t, 4000, cfg.History.TokenThreshold)
	assert.Equal(t, dir, cfg.ConfigDir)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTMUX_BUS_URL", "redis://envhost:6379")
	t.Setenv("AGENTMUX_LOGGING_LEVEL", "debug")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "redis://envhost:6379", cfg.Bus.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidationRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	write := func(content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "agentmux.yaml"), []byte(content), 0o644))
	}

	write("heartbeat:\n  periodSeconds: 5\n  ttlSeconds: 5\n")
	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ttlSeconds")

	write("history:\n  strategy: aggressive\n")
	_, err = LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy")

	write("memory:\n  summarizeThreshold: 1.5\n")
	_, err = LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summarizeThreshold")
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Greater(t, cfg.Heartbeat.TTL(), cfg.Heartbeat.HeartbeatPeriod())
	assert.Equal(t, cfg.History.TimeWindow().Seconds(), float64(cfg.History.TimeWindowSeconds))
}
