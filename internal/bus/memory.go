package bus

import (
	"context"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

// MemoryBus implements Bus with in-process state. It backs standalone mode
// and tests. Delivery order is preserved per subscription; a slow
// subscriber drops messages instead of blocking publishers, matching the
// lossy semantics of the real bus.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	values        map[string]memoryValue
	logger        *logger.Logger
	closed        bool
}

type memoryValue struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func (v memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && now.After(v.expiresAt)
}

// memorySubscription delivers messages in publish order from its own
// goroutine.
type memorySubscription struct {
	bus     *MemoryBus
	channel string
	inbox   chan []byte

	mu     sync.Mutex
	active bool
}

// Unsubscribe removes the subscription and stops its dispatch goroutine.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	subs := s.bus.subscriptions[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	close(s.inbox)
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		values:        make(map[string]memoryValue),
		logger:        log.WithComponent("bus"),
	}
}

// Publish delivers payload to every subscriber of channel.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrNotConnected()
	}
	subs := make([]*memorySubscription, len(b.subscriptions[channel]))
	copy(subs, b.subscriptions[channel])
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.deliver(payload) {
			b.logger.Warn("dropping message for slow subscriber",
				zap.String("channel", channel))
		}
	}
	return nil
}

// deliver enqueues payload for the subscription. Returns false when the
// message was dropped (inactive subscription or full inbox).
func (s *memorySubscription) deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return true
	}
	select {
	case s.inbox <- payload:
		return true
	default:
		return false
	}
}

// Subscribe registers a handler for a channel.
func (b *MemoryBus) Subscribe(_ context.Context, channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrNotConnected()
	}

	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		inbox:   make(chan []byte, 256),
		active:  true,
	}
	b.subscriptions[channel] = append(b.subscriptions[channel], sub)

	go func() {
		for payload := range sub.inbox {
			handler(context.Background(), channel, payload)
		}
	}()

	return sub, nil
}

// Set stores a keyed value with an optional TTL.
func (b *MemoryBus) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrNotConnected()
	}
	b.values[key] = newMemoryValue(value, ttl)
	return nil
}

func newMemoryValue(value []byte, ttl time.Duration) memoryValue {
	v := memoryValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	return v
}

// Get returns the value at key and whether it exists.
func (b *MemoryBus) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false, ErrNotConnected()
	}
	v, ok := b.values[key]
	if !ok {
		return nil, false, nil
	}
	if v.expired(time.Now()) {
		delete(b.values, key)
		return nil, false, nil
	}
	return append([]byte(nil), v.data...), true, nil
}

// Delete removes a key.
func (b *MemoryBus) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrNotConnected()
	}
	delete(b.values, key)
	return nil
}

// Keys returns all live keys matching a glob pattern.
func (b *MemoryBus) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrNotConnected()
	}
	now := time.Now()
	var keys []string
	for k, v := range b.values {
		if v.expired(now) {
			delete(b.values, k)
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// SetNX stores a value only if the key is absent (or expired).
func (b *MemoryBus) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, ErrNotConnected()
	}
	if v, ok := b.values[key]; ok && !v.expired(time.Now()) {
		return false, nil
	}
	b.values[key] = newMemoryValue(value, ttl)
	return true, nil
}

// Request publishes payload on channel and waits for one message on
// replyChannel.
func (b *MemoryBus) Request(ctx context.Context, channel, replyChannel string, payload []byte, timeout time.Duration) ([]byte, error) {
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

// Close shuts the bus down and unsubscribes everything.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*memorySubscription
	for _, subs := range b.subscriptions {
		all = append(all, subs...)
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.mu.Lock()
		if sub.active {
			sub.active = false
			close(sub.inbox)
		}
		sub.mu.Unlock()
	}
}

// IsConnected reports whether the bus is usable.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
