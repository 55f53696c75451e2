// Package rpc provides per-agent request/response calls over bus pub/sub.
// Requests arrive on req:<agent id>; each reply goes to a per-call channel
// res:<agent id>:<req id>. Frames use msgpack.
package rpc

import (
	"time"

	"github.com/agentmux/agentmux/internal/fault"
)

// Error codes returned by the RPC layer.
const (
	CodeNoSuchMethod = "rpc.no_such_method"
	CodeHandlerError = "rpc.handler.error"
	CodeError        = "rpc.error"
)

// MaxRequestBytes bounds encoded request frames. Oversized frames are
// rejected on both ends.
const MaxRequestBytes = 256 << 10

// DefaultTimeout is the client-side wait for a reply.
const DefaultTimeout = 15 * time.Second

// Request is the wire frame for one call.
type Request struct {
	ReqID  string         `msgpack:"req_id"`
	Method string         `msgpack:"method"`
	Params map[string]any `msgpack:"params"`
	Token  string         `msgpack:"token,omitempty"` // ownership token for mutating methods
	TS     int64          `msgpack:"ts"`              // wall clock, unix milliseconds
}

// Reply is the wire frame for one response.
type Reply struct {
	ReqID string         `msgpack:"req_id"`
	OK    bool           `msgpack:"ok"`
	Value map[string]any `msgpack:"value,omitempty"`
	Err   *fault.Error   `msgpack:"error,omitempty"`
	TS    int64          `msgpack:"ts"`
}

// RequestChannel returns the per-agent request channel name.
func RequestChannel(agentID string) string {
	return "req:" + agentID
}

// ReplyChannel returns the per-call reply channel name.
func ReplyChannel(agentID, reqID string) string {
	return "res:" + agentID + ":" + reqID
}

// Method names served by an agent.
const (
	MethodInput         = "input"
	MethodInterrupt     = "interrupt"
	MethodCancel        = "cancel"
	MethodStatus        = "status"
	MethodPromptGet     = "prompt.get"
	MethodPromptSet     = "prompt.set"
	MethodPromptReload  = "prompt.reload"
	MethodPromptOverlay = "prompt.overlay"
	MethodHistoryClear  = "history.clear"
	MethodKBIngest      = "kb.ingest"
	MethodKBSearch      = "kb.search"
	MethodKBGetItems    = "kb.get_items"
	MethodKBCopyFrom    = "kb.copy_from"
	MethodTailReplay    = "tail.replay"
)

// Orchestrator method names, served on the orchestrator target.
const (
	MethodOrchCreateAgent = "orchestrator.create_agent"
	MethodOrchSpawnAgent  = "orchestrator.spawn_agent"
	MethodOrchListAgents  = "orchestrator.list_agents"
	MethodOrchDeleteAgent = "orchestrator.delete_agent"
)

// mutatingMethods is the closed set of methods that require the caller to
// hold the writer role. Enforced server-side against the live ownership
// record.
var mutatingMethods = map[string]bool{
	MethodInput:         true,
	MethodInterrupt:     true,
	MethodCancel:        true,
	MethodPromptSet:     true,
	MethodPromptReload:  true,
	MethodPromptOverlay: true,
	MethodKBIngest:      true,
	MethodKBCopyFrom:    true,
	MethodHistoryClear:  true,
}

// IsMutating reports whether a method requires the writer role.
func IsMutating(method string) bool {
	return mutatingMethods[method]
}
