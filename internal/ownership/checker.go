package ownership

import (
	"context"
	"encoding/json"

	"github.com/agentmux/agentmux/internal/bus"
)

// Oracle answers whether a token currently holds the writer role for an
// agent. The RPC server consults it on every mutating call.
type Oracle interface {
	IsOwner(ctx context.Context, agentID, token string) (bool, error)
}

// Checker is the agent-side oracle. It always resolves the live record
// from the bus; it never caches or compares against a remembered session.
type Checker struct {
	bus bus.Bus
}

// NewChecker creates an agent-side ownership oracle.
func NewChecker(b bus.Bus) *Checker {
	return &Checker{bus: b}
}

// IsOwner reports whether token matches the current ownership record.
// An absent record means no one holds the writer role, so no token passes.
func (c *Checker) IsOwner(ctx context.Context, agentID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	data, ok, err := c.bus.Get(ctx, Key(agentID))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, nil
	}
	return rec.SessionID == token, nil
}

// AllowAll is the standalone-mode oracle: with no bus there is no second
// writer to arbitrate against.
type AllowAll struct{}

// IsOwner always grants the writer role.
func (AllowAll) IsOwner(context.Context, string, string) (bool, error) {
	return true, nil
}
