package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var got [][]byte
	done := make(chan struct{}, 3)

	sub, err := b.Subscribe(ctx, "events", func(_ context.Context, _ string, payload []byte) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
		done <- struct{}{}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, b.Publish(ctx, "events", []byte(msg)))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, "one", string(got[0]))
	assert.Equal(t, "three", string(got[2]))
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	delivered := make(chan struct{}, 8)
	sub, err := b.Subscribe(ctx, "events", func(_ context.Context, _ string, _ []byte) {
		delivered <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "events", []byte("x")))
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("first publish not delivered")
	}

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, "events", []byte("y")))
	select {
	case <-delivered:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusKeyValueTTL(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 30*time.Millisecond))
	data, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(data))

	time.Sleep(60 * time.Millisecond)
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryBusSetNX(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	ok, err := b.SetNX(ctx, "lock", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	data, _, err := b.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	require.NoError(t, b.Delete(ctx, "lock"))
	ok, err = b.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryBusKeysGlob(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "agents:p/a", []byte("1"), 0))
	require.NoError(t, b.Set(ctx, "agents:p/b", []byte("2"), 0))
	require.NoError(t, b.Set(ctx, "heartbeat:p/a", []byte("3"), 0))

	keys, err := b.Keys(ctx, "agents:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agents:p/a", "agents:p/b"}, keys)
}

func TestMemoryBusRequestReply(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "req:a", func(ctx context.Context, _ string, payload []byte) {
		require.NoError(t, b.Publish(ctx, "res:a:1", append([]byte("echo:"), payload...)))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	reply, err := b.Request(ctx, "req:a", "res:a:1", []byte("hi"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(reply))
}

func TestMemoryBusRequestTimeout(t *testing.T) {
	b := NewMemoryBus(testLogger(t))
	defer b.Close()

	_, err := b.Request(context.Background(), "req:nobody", "res:nobody:1", []byte("hi"), 50*time.Millisecond)
	require.Error(t, err)
}
