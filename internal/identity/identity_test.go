package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestDerivePrecedence(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agent.Project = "cfgproj"
	cfg.Agent.Name = "cfgname"
	cfg.Agent.WorkDir = "/tmp/somewhere"

	id, err := Derive(cfg, "override", "")
	require.NoError(t, err)
	assert.Equal(t, "override/cfgname", id.ID())

	id, err = Derive(cfg, "", "")
	require.NoError(t, err)
	assert.Equal(t, "cfgproj/cfgname", id.ID())
}

func TestDeriveFilesystemFallback(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agent.WorkDir = "/home/dev/myrepo"
	cfg.ConfigDir = "/home/dev/projects/backend"

	id, err := Derive(cfg, "", "")
	require.NoError(t, err)
	assert.Equal(t, "backend/myrepo", id.ID())
}

func TestDeriveDeterministic(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agent.Project = "p"
	cfg.Agent.Name = "n"
	cfg.Agent.WorkDir = "/x"

	a, err := Derive(cfg, "", "")
	require.NoError(t, err)
	b, err := Derive(cfg, "", "")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDeriveSanitizesSegments(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agent.Project = "my project!"
	cfg.Agent.Name = "agent#1"
	cfg.Agent.WorkDir = "/x"

	id, err := Derive(cfg, "", "")
	require.NoError(t, err)
	assert.Equal(t, "my-project/agent-1", id.ID())
}

func TestLockSingleInstance(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	first := NewLock(b, "p/a", time.Minute, testLogger(t))
	require.NoError(t, first.Acquire(ctx))

	second := NewLock(b, "p/a", time.Minute, testLogger(t))
	err := second.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, fault.Is(err, CodeDuplicate))

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Acquire(ctx))
}

func TestLockRefreshKeepsLockAlive(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	lock := NewLock(b, "p/a", 50*time.Millisecond, testLogger(t))
	require.NoError(t, lock.Acquire(ctx))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, lock.Refresh(ctx))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := b.Get(ctx, LockKey("p/a"))
	require.NoError(t, err)
	assert.True(t, ok, "refreshed lock should still exist")
}
