package heartbeat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// StaleFactor is the multiple of the declared TTL after which an agent is
// reported disconnected.
const StaleFactor = 1.5

// StaleFunc is called for each agent whose heartbeat has gone stale.
type StaleFunc func(agentID string, lastSeen time.Time)

// Monitor is the console-side heartbeat watcher. It scans heartbeat keys
// at a fixed interval and reports agents whose last beat is older than
// StaleFactor times the TTL.
type Monitor struct {
	bus      bus.Bus
	interval time.Duration
	ttl      time.Duration
	logger   *logger.Logger

	mu        sync.Mutex
	callbacks []StaleFunc
	reported  map[string]bool
	cancel    context.CancelFunc
	stopped   chan struct{}
}

// NewMonitor creates a heartbeat monitor. ttl is the TTL agents declare
// for their heartbeat keys.
func NewMonitor(b bus.Bus, interval, ttl time.Duration, log *logger.Logger) *Monitor {
	return &Monitor{
		bus:      b,
		interval: interval,
		ttl:      ttl,
		logger:   log.WithComponent("heartbeat-monitor"),
		reported: make(map[string]bool),
	}
}

// OnStale registers a callback for stale-agent reports. An agent is
// reported once per disconnection; a fresh beat rearms it.
func (m *Monitor) OnStale(fn StaleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Start begins scanning. Scan errors are logged and retried next interval.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})

	go func() {
		defer close(m.stopped)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.scan(ctx)
			}
		}
	}()
}

// Stop halts scanning.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (m *Monitor) scan(ctx context.Context) {
	keys, err := m.bus.Keys(ctx, Key("*"))
	if err != nil {
		m.logger.Warn("heartbeat scan failed", zap.Error(err))
		return
	}

	staleAfter := time.Duration(float64(m.ttl) * StaleFactor)
	now := time.Now().UTC()

	for _, key := range keys {
		agentID := strings.TrimPrefix(key, Key(""))
		data, ok, err := m.bus.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var beat Beat
		if err := json.Unmarshal(data, &beat); err != nil {
			m.logger.Warn("malformed heartbeat", zap.String("key", key), zap.Error(err))
			continue
		}
		ts, err := time.Parse(time.RFC3339, beat.TS)
		if err != nil {
			m.logger.Warn("unparseable heartbeat timestamp",
				zap.String("key", key), zap.String("ts", beat.TS))
			continue
		}

		if now.Sub(ts) > staleAfter {
			m.report(agentID, ts)
		} else {
			m.mu.Lock()
			delete(m.reported, agentID)
			m.mu.Unlock()
		}
	}
}

func (m *Monitor) report(agentID string, lastSeen time.Time) {
	m.mu.Lock()
	if m.reported[agentID] {
		m.mu.Unlock()
		return
	}
	m.reported[agentID] = true
	callbacks := make([]StaleFunc, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	m.logger.Warn("agent heartbeat stale",
		zap.String("agent_id", agentID), zap.Time("last_seen", lastSeen))
	for _, fn := range callbacks {
		fn(agentID, lastSeen)
	}
}
