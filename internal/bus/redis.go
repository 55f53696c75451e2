package bus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

// RedisBus implements Bus on a Redis server. Channels map to Redis pub/sub
// channels and keyed values to plain Redis keys.
type RedisBus struct {
	client *redis.Client
	logger *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisBus connects to the Redis server at url (redis:// form) and
// verifies the connection with a ping.
func NewRedisBus(ctx context.Context, url string, log *logger.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fault.Wrap(CodeConnectFailed, err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fault.Wrap(CodeConnectFailed, err)
	}

	log.Info("connected to redis bus", zap.String("url", url))
	return &RedisBus{client: client, logger: log.WithComponent("bus")}, nil
}

// Publish sends payload to every current subscriber of channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if !b.IsConnected() {
		return ErrNotConnected()
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		b.logger.Error("publish failed", zap.String("channel", channel), zap.Error(err))
		return fault.Wrap(CodePublishFailed, err)
	}
	return nil
}

// Subscribe registers a handler for a channel. Messages are dispatched from
// a dedicated goroutine per subscription.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected()
	}

	pubsub := b.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so callers can
	// rely on receiving messages published after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fault.Wrap(CodeSubscribeFailed, err)
	}

	sub := &redisSubscription{pubsub: pubsub}
	go func() {
		for msg := range pubsub.Channel() {
			handler(context.Background(), msg.Channel, []byte(msg.Payload))
		}
	}()

	b.logger.Debug("subscribed", zap.String("channel", channel))
	return sub, nil
}

// Set stores a keyed value with an optional TTL.
func (b *RedisBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !b.IsConnected() {
		return ErrNotConnected()
	}
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fault.Wrap(CodeCallFailed, err)
	}
	return nil
}

// Get returns the value at key and whether it exists.
func (b *RedisBus) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !b.IsConnected() {
		return nil, false, ErrNotConnected()
	}
	val, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fault.Wrap(CodeCallFailed, err)
	}
	return val, true, nil
}

// Delete removes a key.
func (b *RedisBus) Delete(ctx context.Context, key string) error {
	if !b.IsConnected() {
		return ErrNotConnected()
	}
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fault.Wrap(CodeCallFailed, err)
	}
	return nil
}

// Keys scans for keys matching a glob pattern. SCAN is used instead of KEYS
// so large keyspaces do not block the server.
func (b *RedisBus) Keys(ctx context.Context, pattern string) ([]string, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected()
	}
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := b.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fault.Wrap(CodeCallFailed, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// SetNX stores a value only if the key is absent.
func (b *RedisBus) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if !b.IsConnected() {
		return false, ErrNotConnected()
	}
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fault.Wrap(CodeCallFailed, err)
	}
	return ok, nil
}

// Request publishes payload on channel and waits for one message on
// replyChannel.
func (b *RedisBus) Request(ctx context.Context, channel, replyChannel string, payload []byte, timeout time.Duration) ([]byte, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected()
	}

	reply := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, replyChannel, func(_ context.Context, _ string, data []byte) {
		select {
		case reply <- data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, channel, payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-reply:
		return data, nil
	case <-timer.C:
		return nil, fault.Newf(CodeRPCTimeout, "no reply on %s within %s", replyChannel, timeout)
	case <-ctx.Done():
		return nil, fault.Wrap(CodeNoResponse, ctx.Err())
	}
}

// Close closes the Redis connection.
func (b *RedisBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if err := b.client.Close(); err != nil {
		b.logger.Warn("error closing redis connection", zap.Error(err))
	} else {
		b.logger.Info("redis connection closed")
	}
}

// IsConnected reports whether the bus is usable.
func (b *RedisBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}
