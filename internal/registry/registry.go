// Package registry maintains agent presence records on the bus. Each live
// agent keeps one record at agents:<id> with a TTL strictly greater than
// its heartbeat period; records disappear on graceful shutdown or expiry.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
)

// listConcurrency bounds parallel record fetches during List.
const listConcurrency = 8

// Error codes returned by registry operations.
const (
	CodeNotConnected     = "registry.not_connected"
	CodeListFailed       = "registry.list_failed"
	CodeRegisterFailed   = "registry.register_failed"
	CodeUnregisterFailed = "registry.unregister_failed"
	CodeUpdateFailed     = "registry.update_failed"
	CodeAgentNotFound    = "registry.agent_not_found"
)

// EventsChannel carries registry change events for reactive consoles.
const EventsChannel = "registry:events"

// State is an agent lifecycle state.
type State string

// Agent lifecycle states.
const (
	StateInit         State = "init"
	StateRegistered   State = "registered"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateDisconnected State = "disconnected"
	StateShutdown     State = "shutdown"
	StateStandalone   State = "standalone"
)

// Record is one agent presence record.
type Record struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Project   string  `json:"project"`
	Model     string  `json:"model"`
	CWD       string  `json:"cwd"`
	Host      string  `json:"host"`
	PID       int     `json:"pid"`
	StartedAt string  `json:"started_at"` // UTC, ISO-8601
	State     State   `json:"state"`
	CtxPct    float64 `json:"ctx_pct"` // context usage fraction in [0,1]
}

// ChangeEvent is published on EventsChannel for every mutation.
type ChangeEvent struct {
	Type   string  `json:"type"` // added, updated, removed
	Record *Record `json:"record,omitempty"`
	ID     string  `json:"id"`
}

// Key returns the bus key for an agent's presence record.
func Key(agentID string) string {
	return "agents:" + agentID
}

// Registry reads and writes presence records on the bus.
type Registry struct {
	bus    bus.Bus
	ttl    time.Duration
	logger *logger.Logger
}

// New creates a registry handle. ttl must exceed the heartbeat period.
func New(b bus.Bus, ttl time.Duration, log *logger.Logger) *Registry {
	return &Registry{bus: b, ttl: ttl, logger: log.WithComponent("registry")}
}

// Register writes the record and announces it.
func (r *Registry) Register(ctx context.Context, rec *Record) error {
	if err := r.write(ctx, rec, CodeRegisterFailed); err != nil {
		return err
	}
	r.publishChange(ctx, "added", rec)
	r.logger.Info("agent registered",
		zap.String("agent_id", rec.ID),
		zap.String("state", string(rec.State)))
	return nil
}

// Refresh rewrites the record with a fresh TTL. Used by the heartbeat; no
// change event is published because nothing observable changed.
func (r *Registry) Refresh(ctx context.Context, rec *Record) error {
	return r.write(ctx, rec, CodeUpdateFailed)
}

// Unregister deletes the record and announces the removal.
func (r *Registry) Unregister(ctx context.Context, agentID string) error {
	if err := r.bus.Delete(ctx, Key(agentID)); err != nil {
		return fault.Wrap(CodeUnregisterFailed, err)
	}
	r.publishChange(ctx, "removed", &Record{ID: agentID})
	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// Get returns one agent's record.
func (r *Registry) Get(ctx context.Context, agentID string) (*Record, error) {
	data, ok, err := r.bus.Get(ctx, Key(agentID))
	if err != nil {
		return nil, fault.Wrap(CodeListFailed, err)
	}
	if !ok {
		return nil, fault.Newf(CodeAgentNotFound, "agent %s not found", agentID)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fault.Wrap(CodeListFailed, err)
	}
	return &rec, nil
}

// List enumerates all live presence records. Malformed records are skipped
// with a warning.
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	keys, err := r.bus.Keys(ctx, Key("*"))
	if err != nil {
		return nil, fault.Wrap(CodeListFailed, err)
	}

	var mu sync.Mutex
	records := make([]*Record, 0, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			data, ok, err := r.bus.Get(gctx, key)
			if err != nil || !ok {
				return nil // expired between scan and get
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				r.logger.Warn("skipping malformed registry record",
					zap.String("key", key), zap.Error(err))
				return nil
			}
			mu.Lock()
			records = append(records, &rec)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return records, nil
}

// UpdateState rewrites the record's state, preserving all other fields.
func (r *Registry) UpdateState(ctx context.Context, agentID string, state State) error {
	return r.update(ctx, agentID, func(rec *Record) { rec.State = state })
}

// UpdateContextUsage rewrites the record's context-usage fraction.
func (r *Registry) UpdateContextUsage(ctx context.Context, agentID string, pct float64) error {
	return r.update(ctx, agentID, func(rec *Record) { rec.CtxPct = pct })
}

func (r *Registry) update(ctx context.Context, agentID string, mutate func(*Record)) error {
	rec, err := r.Get(ctx, agentID)
	if err != nil {
		if fault.Is(err, CodeAgentNotFound) {
			return err
		}
		return fault.Wrap(CodeUpdateFailed, err)
	}
	mutate(rec)
	if err := r.write(ctx, rec, CodeUpdateFailed); err != nil {
		return err
	}
	r.publishChange(ctx, "updated", rec)
	return nil
}

func (r *Registry) write(ctx context.Context, rec *Record, failCode string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fault.Wrap(failCode, err)
	}
	if err := r.bus.Set(ctx, Key(rec.ID), data, r.ttl); err != nil {
		return fault.Wrap(failCode, err)
	}
	return nil
}

// publishChange emits a change event. Publish failures are logged, not
// returned: presence converges through TTL expiry regardless.
func (r *Registry) publishChange(ctx context.Context, eventType string, rec *Record) {
	ev := ChangeEvent{Type: eventType, Record: rec, ID: rec.ID}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, EventsChannel, data); err != nil {
		r.logger.Debug("registry change event not published", zap.Error(err))
	}
}

// NewRecord builds a presence record for the local process.
func NewRecord(id, name, project, model, cwd, host string, pid int, state State) *Record {
	return &Record{
		ID:        id,
		Name:      name,
		Project:   project,
		Model:     model,
		CWD:       cwd,
		Host:      host,
		PID:       pid,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		State:     state,
	}
}
