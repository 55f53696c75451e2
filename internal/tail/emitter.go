package tail

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Emitter publishes tail events for one agent and keeps the replay ring.
// Offsets are strictly increasing and never reused within one process
// lifetime, even when a publish fails.
type Emitter struct {
	bus     bus.Bus
	agentID string
	logger  *logger.Logger

	mu     sync.Mutex
	next   int64
	ring   []*Event
	start  int // index of the oldest entry
	count  int
}

// NewEmitter creates a tail emitter with the given ring capacity
// (DefaultRingCapacity when zero or negative).
func NewEmitter(b bus.Bus, agentID string, capacity int, log *logger.Logger) *Emitter {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Emitter{
		bus:     b,
		agentID: agentID,
		logger:  log.WithComponent("tail").WithAgentID(agentID),
		next:    1,
		ring:    make([]*Event, capacity),
	}
}

// Emit wraps the payload with the next offset, appends it to the ring, and
// publishes it. Publish failures are logged; the event stays in the ring
// so replay still covers the gap.
func (e *Emitter) Emit(ctx context.Context, eventType EventType, data map[string]any) *Event {
	e.mu.Lock()
	ev := &Event{
		Offset: e.next,
		TS:     nowMillis(),
		Type:   eventType,
		Data:   data,
	}
	e.next++
	e.push(ev)
	e.mu.Unlock()

	frame, err := Encode(ev)
	if err != nil {
		e.logger.Error("failed to encode tail event", zap.Error(err))
		return ev
	}
	if len(frame) > MaxFrameBytes {
		frame = e.shrink(ev)
		if frame == nil {
			return ev
		}
	}
	if err := e.bus.Publish(ctx, Channel(e.agentID), frame); err != nil {
		e.logger.Warn("tail publish failed",
			zap.Int64("offset", ev.Offset), zap.Error(err))
	}
	return ev
}

// ReplayFrom returns all ring entries with offset strictly greater than
// the given offset, oldest first.
func (e *Emitter) ReplayFrom(offset int64) []*Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Event, 0, e.count)
	for i := 0; i < e.count; i++ {
		ev := e.ring[(e.start+i)%len(e.ring)]
		if ev.Offset > offset {
			out = append(out, ev)
		}
	}
	return out
}

// LastOffset returns the most recently assigned offset (0 before the
// first emit).
func (e *Emitter) LastOffset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next - 1
}

func (e *Emitter) push(ev *Event) {
	if e.count < len(e.ring) {
		e.ring[(e.start+e.count)%len(e.ring)] = ev
		e.count++
		return
	}
	e.ring[e.start] = ev
	e.start = (e.start + 1) % len(e.ring)
}

// shrink replaces an oversized payload with a truncation marker. Producers
// are expected to split large payloads; this is the backstop.
func (e *Emitter) shrink(ev *Event) []byte {
	e.logger.Warn("truncating oversized tail event",
		zap.Int64("offset", ev.Offset), zap.String("type", string(ev.Type)))
	small := &Event{
		Offset: ev.Offset,
		TS:     ev.TS,
		Type:   ev.Type,
		Data:   map[string]any{"truncated": true},
	}
	frame, err := Encode(small)
	if err != nil {
		e.logger.Error("failed to encode truncated tail event", zap.Error(err))
		return nil
	}
	return frame
}
