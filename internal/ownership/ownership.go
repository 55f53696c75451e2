// Package ownership implements the exclusive-writer protocol: per agent at
// most one console session holds the writer role at a time, recorded on the
// bus as a leased record. Takeover notifies the current holder and, after a
// grace window, forcibly assumes the role, leaving the previous session
// read-only.
package ownership

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

// Error codes returned by ownership operations.
const (
	CodeDenied           = "ownership.denied"
	CodeNotOwner         = "ownership.not_owner"
	CodeTakeoverConflict = "ownership.takeover_conflict"
	CodeLockMissing      = "ownership.lock_missing"
	CodeRefreshFailed    = "ownership.refresh_failed"
)

// pollInterval is how often the ownership key is checked during a takeover
// grace window.
const pollInterval = time.Second

// Key returns the ownership bus key for an agent id.
func Key(agentID string) string {
	return "agent:owner:" + agentID
}

// NotifyKey returns the takeover-notification key for a session id.
func NotifyKey(sessionID string) string {
	return "takeover:notify:" + sessionID
}

// Record is the ownership record stored per agent id.
type Record struct {
	SessionID  string `json:"sid"`
	AcquiredAt string `json:"ts"` // UTC, ISO-8601
	PID        int    `json:"pid"`
}

// Notification is the single-shot takeover notice addressed to the
// displaced session. Read-and-delete.
type Notification struct {
	AgentID      string `json:"id"`
	NewSessionID string `json:"sid"`
	GraceSeconds int    `json:"grace"`
	TS           string `json:"ts"`
}

// Manager performs ownership operations for one console session.
type Manager struct {
	bus       bus.Bus
	sessionID string
	ttl       time.Duration
	logger    *logger.Logger
}

// NewManager creates an ownership manager bound to a session id (the
// opaque writer token).
func NewManager(b bus.Bus, sessionID string, ttl time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		bus:       b,
		sessionID: sessionID,
		ttl:       ttl,
		logger:    log.WithComponent("ownership").WithFields(zap.String("session_id", sessionID)),
	}
}

// SessionID returns this manager's session id.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Acquire takes ownership of an agent without takeover. Succeeds when the
// record is absent or already belongs to this session; contention returns
// ownership.denied.
func (m *Manager) Acquire(ctx context.Context, agentID string) (string, error) {
	ok, err := m.trySet(ctx, agentID)
	if err != nil {
		return "", err
	}
	if ok {
		m.logger.Info("ownership acquired", zap.String("agent_id", agentID))
		return m.sessionID, nil
	}

	rec, found, err := m.Current(ctx, agentID)
	if err != nil {
		return "", err
	}
	if found && rec.SessionID == m.sessionID {
		return m.sessionID, nil
	}
	holder := ""
	if found {
		holder = rec.SessionID
	}
	return "", fault.Newf(CodeDenied, "agent %s is owned by another session", agentID).
		With("holder", holder)
}

// AcquireWithTakeover takes ownership, displacing the current holder after
// a grace window. The holder is notified, then the ownership key is polled;
// if it clears or flips to this session the takeover succeeded early. A
// third session appearing during the grace window is a conflict. On grace
// expiry the record is deleted and ownership claimed.
func (m *Manager) AcquireWithTakeover(ctx context.Context, agentID string, grace time.Duration) (string, error) {
	rec, found, err := m.Current(ctx, agentID)
	if err != nil {
		return "", err
	}
	if !found {
		return m.Acquire(ctx, agentID)
	}
	if rec.SessionID == m.sessionID {
		return m.sessionID, nil
	}

	if err := m.notify(ctx, agentID, rec.SessionID, grace); err != nil {
		return "", err
	}
	m.logger.Info("takeover requested",
		zap.String("agent_id", agentID),
		zap.String("holder", rec.SessionID),
		zap.Duration("grace", grace))

	deadline := time.Now().Add(grace)
	for {
		// Never sleep past the deadline; a sub-second grace window should
		// resolve in about that long, not a full poll interval.
		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}
		if wait > pollInterval {
			wait = pollInterval
		}
		select {
		case <-ctx.Done():
			return "", fault.Wrap(CodeDenied, ctx.Err())
		case <-time.After(wait):
		}

		cur, found, err := m.Current(ctx, agentID)
		if err != nil {
			return "", err
		}
		if !found {
			return m.Acquire(ctx, agentID)
		}
		switch cur.SessionID {
		case m.sessionID:
			return m.sessionID, nil
		case rec.SessionID:
			// holder still in place, keep waiting
		default:
			return "", fault.Newf(CodeTakeoverConflict,
				"agent %s was taken over by session %s during the grace window",
				agentID, cur.SessionID)
		}
	}

	// Grace expired: evict the holder. It becomes read-only when it reads
	// its notification.
	if err := m.bus.Delete(ctx, Key(agentID)); err != nil {
		return "", fault.Wrap(CodeRefreshFailed, err)
	}
	token, err := m.Acquire(ctx, agentID)
	if err != nil {
		if fault.Is(err, CodeDenied) {
			return "", fault.Newf(CodeTakeoverConflict,
				"agent %s was claimed by another session after eviction", agentID)
		}
		return "", err
	}
	m.logger.Info("takeover complete", zap.String("agent_id", agentID))
	return token, nil
}

// Release gives ownership up. The record must belong to this session.
func (m *Manager) Release(ctx context.Context, agentID string) error {
	rec, found, err := m.Current(ctx, agentID)
	if err != nil {
		return err
	}
	if !found {
		return fault.Newf(CodeLockMissing, "no ownership record for agent %s", agentID)
	}
	if rec.SessionID != m.sessionID {
		return fault.Newf(CodeNotOwner, "ownership of agent %s belongs to session %s",
			agentID, rec.SessionID)
	}
	if err := m.bus.Delete(ctx, Key(agentID)); err != nil {
		return fault.Wrap(CodeRefreshFailed, err)
	}
	m.logger.Info("ownership released", zap.String("agent_id", agentID))
	return nil
}

// Refresh extends the lease. Only the holder may refresh.
func (m *Manager) Refresh(ctx context.Context, agentID string) error {
	rec, found, err := m.Current(ctx, agentID)
	if err != nil {
		return fault.Wrap(CodeRefreshFailed, err)
	}
	if !found || rec.SessionID != m.sessionID {
		return fault.Newf(CodeRefreshFailed, "session no longer owns agent %s", agentID)
	}
	return m.write(ctx, agentID)
}

// Current reads the ownership record for an agent.
func (m *Manager) Current(ctx context.Context, agentID string) (*Record, bool, error) {
	data, ok, err := m.bus.Get(ctx, Key(agentID))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fault.Wrap(CodeRefreshFailed, err)
	}
	return &rec, true, nil
}

// ConsumeTakeover reads and deletes this session's takeover notification,
// if any. The consuming session must flip to read-only on receipt.
func (m *Manager) ConsumeTakeover(ctx context.Context) (*Notification, bool, error) {
	key := NotifyKey(m.sessionID)
	data, ok, err := m.bus.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := m.bus.Delete(ctx, key); err != nil {
		return nil, false, err
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, false, nil // malformed notice, treat as consumed
	}
	return &n, true, nil
}

func (m *Manager) trySet(ctx context.Context, agentID string) (bool, error) {
	data, err := json.Marshal(Record{
		SessionID:  m.sessionID,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
		PID:        os.Getpid(),
	})
	if err != nil {
		return false, fault.Wrap(CodeDenied, err)
	}
	return m.bus.SetNX(ctx, Key(agentID), data, m.ttl)
}

func (m *Manager) write(ctx context.Context, agentID string) error {
	data, err := json.Marshal(Record{
		SessionID:  m.sessionID,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
		PID:        os.Getpid(),
	})
	if err != nil {
		return fault.Wrap(CodeRefreshFailed, err)
	}
	if err := m.bus.Set(ctx, Key(agentID), data, m.ttl); err != nil {
		return fault.Wrap(CodeRefreshFailed, err)
	}
	return nil
}

func (m *Manager) notify(ctx context.Context, agentID, holderSID string, grace time.Duration) error {
	data, err := json.Marshal(Notification{
		AgentID:      agentID,
		NewSessionID: m.sessionID,
		GraceSeconds: int(grace / time.Second),
		TS:           time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fault.Wrap(CodeDenied, err)
	}
	// The notification outlives the grace window slightly so a slow poller
	// still sees it.
	return m.bus.Set(ctx, NotifyKey(holderSID), data, grace+time.Minute)
}
