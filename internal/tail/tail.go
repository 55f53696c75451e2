// Package tail is the ordered per-agent event stream: tokens, tool calls,
// task lifecycle, warnings. The emitter assigns strictly increasing offsets
// and keeps a bounded in-memory ring for replay; consoles subscribe to the
// live channel.
package tail

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// EventType tags a tail event payload. The domain is closed; consumers
// must tolerate unknown types by logging and dropping.
type EventType string

// Tail event types.
const (
	EventToken      EventType = "token"
	EventToolStart  EventType = "tool.start"
	EventToolResult EventType = "tool.result"
	EventToolEnd    EventType = "tool.end"
	EventTool       EventType = "tool"
	EventTaskStart  EventType = "task.start"
	EventTaskEnd    EventType = "task.end"
	EventWarn       EventType = "warn"
	EventError      EventType = "error"
)

var knownTypes = map[EventType]bool{
	EventToken:      true,
	EventToolStart:  true,
	EventToolResult: true,
	EventToolEnd:    true,
	EventTool:       true,
	EventTaskStart:  true,
	EventTaskEnd:    true,
	EventWarn:       true,
	EventError:      true,
}

// KnownType reports whether t belongs to the closed event type domain.
func KnownType(t EventType) bool {
	return knownTypes[t]
}

// DefaultRingCapacity is the number of recent events kept for replay.
const DefaultRingCapacity = 2048

// MaxFrameBytes bounds an encoded tail frame. Oversized payloads are
// truncated by the emitter before publishing.
const MaxFrameBytes = 8 << 10

// Event is one record in the tail stream.
type Event struct {
	Offset int64          `msgpack:"offset" json:"offset"`
	TS     int64          `msgpack:"ts" json:"ts"` // wall clock, unix milliseconds
	Type   EventType      `msgpack:"type" json:"type"`
	Data   map[string]any `msgpack:"data" json:"data"`
}

// Channel returns the tail channel name for an agent id.
func Channel(agentID string) string {
	return "tail:" + agentID
}

// Encode serializes an event frame.
func Encode(ev *Event) ([]byte, error) {
	return msgpack.Marshal(ev)
}

// Decode deserializes an event frame.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
