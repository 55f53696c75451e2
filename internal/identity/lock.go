package identity

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

// LockKey returns the bus key of the single-instance lock for an agent id.
func LockKey(agentID string) string {
	return "agent:lock:" + agentID
}

// lockRecord is the value stored under the lock key.
type lockRecord struct {
	PID  int    `json:"pid"`
	Host string `json:"host"`
}

// Lock is the bus-side single-instance lock for one agent id. The TTL is
// sized at roughly three heartbeat periods; the heartbeat refreshes it, and
// a crashed process frees the id when the key expires.
type Lock struct {
	bus     bus.Bus
	agentID string
	ttl     time.Duration
	logger  *logger.Logger
}

// NewLock creates a lock handle. Nothing touches the bus until Acquire.
func NewLock(b bus.Bus, agentID string, ttl time.Duration, log *logger.Logger) *Lock {
	return &Lock{
		bus:     b,
		agentID: agentID,
		ttl:     ttl,
		logger:  log.WithComponent("identity-lock").WithAgentID(agentID),
	}
}

// Acquire takes the lock via conditional set. A held lock means another
// live instance owns this id; the returned error names the conflict.
func (l *Lock) Acquire(ctx context.Context) error {
	host, _ := os.Hostname()
	value, err := json.Marshal(lockRecord{PID: os.Getpid(), Host: host})
	if err != nil {
		return fault.Wrap("agent.bootstrap_failed", err)
	}

	ok, err := l.bus.SetNX(ctx, LockKey(l.agentID), value, l.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Newf(CodeDuplicate, "agent %s is already running on this bus", l.agentID)
	}

	l.logger.Info("instance lock acquired", zap.Duration("ttl", l.ttl))
	return nil
}

// Refresh rewrites the lock with a fresh TTL. Called from the heartbeat.
func (l *Lock) Refresh(ctx context.Context) error {
	host, _ := os.Hostname()
	value, err := json.Marshal(lockRecord{PID: os.Getpid(), Host: host})
	if err != nil {
		return fault.Wrap("agent.bootstrap_failed", err)
	}
	return l.bus.Set(ctx, LockKey(l.agentID), value, l.ttl)
}

// Release deletes the lock key.
func (l *Lock) Release(ctx context.Context) error {
	if err := l.bus.Delete(ctx, LockKey(l.agentID)); err != nil {
		return err
	}
	l.logger.Info("instance lock released")
	return nil
}
