// Package session is the console-side aggregate for one attached agent: an
// RPC client, an ownership holder, a tail subscription, and a read-only
// flag that flips when another session takes the writer role.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
	"github.com/agentmux/agentmux/internal/ownership"
	"github.com/agentmux/agentmux/internal/rpc"
	"github.com/agentmux/agentmux/internal/tail"
)

// CodeReadOnly rejects local writes after losing the writer role.
const CodeReadOnly = "session.read_only"

// notifyPollInterval is how often the takeover-notification key is polled
// while attached.
const notifyPollInterval = time.Second

// AttachOptions control ownership acquisition.
type AttachOptions struct {
	// Takeover displaces the current writer after the grace window.
	Takeover bool
	// Grace is the takeover grace window.
	Grace time.Duration
}

// Session connects a console to one agent.
type Session struct {
	bus     bus.Bus
	agentID string
	client  *rpc.Client
	owner   *ownership.Manager
	events  *tail.Subscriber
	logger  *logger.Logger

	mu       sync.Mutex
	attached bool
	readOnly bool
	tailSub  bus.Subscription
	stop     context.CancelFunc
	done     chan struct{}

	// OnEvent receives live tail events. Set before Attach.
	OnEvent tail.EventFunc
	// OnReadOnly fires once when the session loses the writer role.
	OnReadOnly func(n *ownership.Notification)
}

// New creates a detached session with a fresh session id.
func New(b bus.Bus, agentID string, ownershipTTL time.Duration, log *logger.Logger) *Session {
	sid := uuid.New().String()
	return &Session{
		bus:     b,
		agentID: agentID,
		client:  rpc.NewClient(b, agentID, log),
		owner:   ownership.NewManager(b, sid, ownershipTTL, log),
		events:  tail.NewSubscriber(b, log),
		logger:  log.WithComponent("session").WithAgentID(agentID),
	}
}

// SessionID returns the session's writer token.
func (s *Session) SessionID() string {
	return s.owner.SessionID()
}

// AgentID returns the attached agent's id.
func (s *Session) AgentID() string {
	return s.agentID
}

// ReadOnly reports whether the session has lost (or never held) the
// writer role.
func (s *Session) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// Attach acquires ownership, subscribes to the tail, and starts the
// takeover-notification watch. On ownership denial nothing is left
// attached and the denial error is returned.
func (s *Session) Attach(ctx context.Context, opts AttachOptions) error {
	var err error
	if opts.Takeover {
		_, err = s.owner.AcquireWithTakeover(ctx, s.agentID, opts.Grace)
	} else {
		_, err = s.owner.Acquire(ctx, s.agentID)
	}
	if err != nil {
		return err
	}
	s.client.SetToken(s.owner.SessionID())

	watchCtx, cancel := context.WithCancel(context.Background())
	sub, err := s.events.Subscribe(watchCtx, s.agentID, func(ev *tail.Event) {
		if fn := s.OnEvent; fn != nil {
			fn(ev)
		}
	})
	if err != nil {
		cancel()
		_ = s.owner.Release(ctx, s.agentID)
		return err
	}

	s.mu.Lock()
	s.attached = true
	s.readOnly = false
	s.tailSub = sub
	s.stop = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.watch(watchCtx)
	s.logger.Info("session attached",
		zap.String("session_id", s.owner.SessionID()),
		zap.Bool("takeover", opts.Takeover))
	return nil
}

// Detach stops the tail and notification loops, releases ownership, and
// leaves the session reusable for a later attach.
func (s *Session) Detach(ctx context.Context) error {
	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return nil
	}
	s.attached = false
	wasReadOnly := s.readOnly
	sub := s.tailSub
	stop := s.stop
	done := s.done
	s.tailSub = nil
	s.stop = nil
	s.mu.Unlock()

	stop()
	<-done
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if !wasReadOnly {
		if err := s.owner.Release(ctx, s.agentID); err != nil {
			s.logger.Warn("ownership release failed", zap.Error(err))
		}
	}
	s.logger.Info("session detached")
	return nil
}

// watch polls for the single-shot takeover notification and refreshes the
// ownership lease while the session still holds the writer role.
func (s *Session) watch(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(notifyPollInterval)
	defer ticker.Stop()

	refresh := time.NewTicker(notifyPollInterval * 10)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			if s.ReadOnly() {
				continue
			}
			if err := s.owner.Refresh(ctx, s.agentID); err != nil {
				s.logger.Warn("ownership refresh failed", zap.Error(err))
			}
		case <-ticker.C:
			n, ok, err := s.owner.ConsumeTakeover(ctx)
			if err != nil {
				s.logger.Warn("takeover notification poll failed", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			s.mu.Lock()
			already := s.readOnly
			s.readOnly = true
			s.mu.Unlock()
			if already {
				continue
			}
			s.logger.Info("writer role lost to another session",
				zap.String("new_session_id", n.NewSessionID),
				zap.Int("grace_seconds", n.GraceSeconds))
			if fn := s.OnReadOnly; fn != nil {
				fn(n)
			}
		}
	}
}

// Call invokes an RPC method, rejecting mutating methods locally when the
// session is read-only.
func (s *Session) Call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	if rpc.IsMutating(method) && s.ReadOnly() {
		return nil, fault.Newf(CodeReadOnly, "session is read-only, cannot call %s", method)
	}
	return s.client.Call(ctx, method, params)
}

// Input queues text on the agent and returns the queue item id.
func (s *Session) Input(ctx context.Context, text string) (string, error) {
	res, err := s.Call(ctx, rpc.MethodInput, map[string]any{"text": text})
	if err != nil {
		return "", err
	}
	id, _ := res["item_id"].(string)
	return id, nil
}

// Status fetches the agent's status snapshot.
func (s *Session) Status(ctx context.Context) (map[string]any, error) {
	return s.Call(ctx, rpc.MethodStatus, nil)
}

// Interrupt interrupts the agent's active task.
func (s *Session) Interrupt(ctx context.Context) error {
	_, err := s.Call(ctx, rpc.MethodInterrupt, nil)
	return err
}

// Cancel cancels the agent's active task.
func (s *Session) Cancel(ctx context.Context, hard bool) error {
	_, err := s.Call(ctx, rpc.MethodCancel, map[string]any{"hard": hard})
	return err
}
