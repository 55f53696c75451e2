package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newTestRegistry(t *testing.T) (*Registry, bus.Bus) {
	t.Helper()
	b := bus.NewMemoryBus(testLogger(t))
	t.Cleanup(b.Close)
	return New(b, time.Minute, testLogger(t)), b
}

func sampleRecord(id string) *Record {
	return NewRecord(id, "a", "p", "m1", "/work", "host1", 42, StateRegistered)
}

func TestRegisterListUnregister(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	rec := sampleRecord("p/a")
	require.NoError(t, reg.Register(ctx, rec))

	records, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	got := records[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Project, got.Project)
	assert.Equal(t, rec.Model, got.Model)
	assert.Equal(t, rec.CWD, got.CWD)
	assert.Equal(t, rec.Host, got.Host)
	assert.Equal(t, rec.PID, got.PID)
	assert.Equal(t, rec.StartedAt, got.StartedAt)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, rec.CtxPct, got.CtxPct)

	require.NoError(t, reg.Unregister(ctx, "p/a"))
	records, err = reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestGetMissingAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Get(context.Background(), "p/ghost")
	require.Error(t, err)
	assert.Equal(t, CodeAgentNotFound, fault.Code(err))
}

func TestUpdateStatePreservesOtherFields(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, sampleRecord("p/a")))
	require.NoError(t, reg.UpdateState(ctx, "p/a", StateBusy))

	got, err := reg.Get(ctx, "p/a")
	require.NoError(t, err)
	assert.Equal(t, StateBusy, got.State)
	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, 42, got.PID)
}

func TestUpdateContextUsage(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, sampleRecord("p/a")))
	require.NoError(t, reg.UpdateContextUsage(ctx, "p/a", 0.42))

	got, err := reg.Get(ctx, "p/a")
	require.NoError(t, err)
	assert.InDelta(t, 0.42, got.CtxPct, 1e-9)
}

func TestListSkipsMalformedRecords(t *testing.T) {
	reg, b := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, sampleRecord("p/a")))
	require.NoError(t, b.Set(ctx, Key("p/broken"), []byte("{not json"), time.Minute))

	records, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "p/a", records[0].ID)
}

func TestRegistryChangeEvents(t *testing.T) {
	reg, b := newTestRegistry(t)
	ctx := context.Background()

	events := make(chan []byte, 8)
	sub, err := b.Subscribe(ctx, EventsChannel, func(_ context.Context, _ string, payload []byte) {
		events <- payload
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, reg.Register(ctx, sampleRecord("p/a")))
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no change event after register")
	}
}
