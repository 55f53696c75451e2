package tail

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// EventFunc handles one decoded tail event.
type EventFunc func(ev *Event)

// Subscriber is the console-side tail consumer. Undecodable frames and
// unknown event types are logged and dropped.
type Subscriber struct {
	bus    bus.Bus
	logger *logger.Logger
}

// NewSubscriber creates a tail subscriber.
func NewSubscriber(b bus.Bus, log *logger.Logger) *Subscriber {
	return &Subscriber{bus: b, logger: log.WithComponent("tail-subscriber")}
}

// Subscribe attaches the handler to an agent's tail channel. The returned
// subscription cancels delivery.
func (s *Subscriber) Subscribe(ctx context.Context, agentID string, fn EventFunc) (bus.Subscription, error) {
	return s.bus.Subscribe(ctx, Channel(agentID), func(_ context.Context, _ string, payload []byte) {
		ev, err := Decode(payload)
		if err != nil {
			s.logger.Warn("dropping undecodable tail frame",
				zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		if !KnownType(ev.Type) {
			s.logger.Warn("dropping tail event of unknown type",
				zap.String("agent_id", agentID), zap.String("type", string(ev.Type)))
			return
		}
		fn(ev)
	})
}
