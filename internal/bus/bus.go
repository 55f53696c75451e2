// Package bus abstracts the shared coordination substrate between agents
// and consoles: pub/sub channels, keyed values with TTL, and request/reply.
//
// Two backends exist: Redis for real deployments and an in-memory bus for
// standalone mode and tests. Every operation returns a coded error
// (bus.*) rather than panicking; connection loss is an error the caller
// decides how to retry.
package bus

import (
	"context"
	"time"

	"github.com/agentmux/agentmux/internal/fault"
)

// Error codes returned by bus operations.
const (
	CodeConnectFailed   = "bus.connect_failed"
	CodeNotConnected    = "bus.not_connected"
	CodePublishFailed   = "bus.publish_failed"
	CodeSubscribeFailed = "bus.subscribe_failed"
	CodeRPCTimeout      = "bus.rpc_timeout"
	CodeNoResponse      = "bus.no_response"
	CodeCallFailed      = "bus.call_failed"
)

// Handler is called once per message delivered on a subscribed channel.
// Handlers may block; each subscription dispatches from its own goroutine.
type Handler func(ctx context.Context, channel string, payload []byte)

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the coordination substrate contract.
type Bus interface {
	// Publish sends payload to every current subscriber of channel.
	// Messages published while a subscriber is disconnected are lost.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers a handler for a channel. Each live subscription
	// receives every message exactly once.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)

	// Set stores a keyed value. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value at key. The boolean reports presence.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// SetNX stores the value only if the key is absent. Returns whether
	// the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Request publishes payload on channel and waits for a single message
	// on replyChannel. The subscription to replyChannel is established
	// before the request is published.
	Request(ctx context.Context, channel, replyChannel string, payload []byte, timeout time.Duration) ([]byte, error)

	// Close releases the connection. Safe to call more than once.
	Close()

	// IsConnected reports whether the bus is usable.
	IsConnected() bool
}

// ErrNotConnected is the error returned by operations on a closed bus.
func ErrNotConnected() *fault.Error {
	return fault.New(CodeNotConnected, "bus is not connected")
}
