package bus

import (
	"sync"

	"github.com/redis/go-redis/v9"
)

// redisSubscription wraps a go-redis PubSub to implement Subscription.
type redisSubscription struct {
	pubsub *redis.PubSub

	mu     sync.Mutex
	closed bool
}

// Unsubscribe closes the underlying pub/sub connection. The dispatch
// goroutine exits when the message channel drains.
func (s *redisSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.pubsub.Close()
}

// IsValid returns whether the subscription is still active.
func (s *redisSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}
