// Package heartbeat keeps agent liveness visible on the bus: the service
// refreshes the heartbeat key, identity lock, and registry record on every
// tick, and the monitor (console side) reports agents whose heartbeat has
// gone stale.
package heartbeat

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/identity"
	"github.com/agentmux/agentmux/internal/registry"
)

// Key returns the heartbeat bus key for an agent id.
func Key(agentID string) string {
	return "heartbeat:" + agentID
}

// Beat is the value stored under the heartbeat key.
type Beat struct {
	TS  string `json:"ts"` // UTC, ISO-8601
	PID int    `json:"pid"`
}

// Service ticks at a fixed period, refreshing the heartbeat key, the
// single-instance lock, and the registry record. Individual failures are
// logged and never stop the loop.
type Service struct {
	bus      bus.Bus
	agentID  string
	period   time.Duration
	ttl      time.Duration
	lock     *identity.Lock
	registry *registry.Registry
	record   func() *registry.Record
	logger   *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewService creates a heartbeat service. record is called on every tick to
// snapshot the current presence record (state and context usage change
// between ticks).
func NewService(b bus.Bus, agentID string, period, ttl time.Duration,
	lock *identity.Lock, reg *registry.Registry, record func() *registry.Record,
	log *logger.Logger) *Service {
	return &Service{
		bus:      b,
		agentID:  agentID,
		period:   period,
		ttl:      ttl,
		lock:     lock,
		registry: reg,
		record:   record,
		logger:   log.WithComponent("heartbeat").WithAgentID(agentID),
	}
}

// Start begins ticking. The first beat is written immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	s.logger.Info("heartbeat started",
		zap.Duration("period", s.period), zap.Duration("ttl", s.ttl))
}

// Stop halts the ticker and waits for the loop to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (s *Service) tick(ctx context.Context) {
	beat := Beat{TS: time.Now().UTC().Format(time.RFC3339), PID: os.Getpid()}
	data, err := json.Marshal(beat)
	if err == nil {
		if err := s.bus.Set(ctx, Key(s.agentID), data, s.ttl); err != nil {
			s.logger.Warn("heartbeat key refresh failed", zap.Error(err))
		}
	}

	if s.lock != nil {
		if err := s.lock.Refresh(ctx); err != nil {
			s.logger.Warn("instance lock refresh failed", zap.Error(err))
		}
	}

	if s.registry != nil && s.record != nil {
		if err := s.registry.Refresh(ctx, s.record()); err != nil {
			s.logger.Warn("registry record refresh failed", zap.Error(err))
		}
	}
}
