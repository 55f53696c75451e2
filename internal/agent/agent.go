// Package agent wires one agent process together: identity and lock,
// registry presence, heartbeat, tail, queue, history, prompt layer, memory
// accounting, knowledge base, task runner, and the RPC server.
package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/heartbeat"
	"github.com/agentmux/agentmux/internal/history"
	"github.com/agentmux/agentmux/internal/identity"
	"github.com/agentmux/agentmux/internal/kb"
	"github.com/agentmux/agentmux/internal/memory"
	"github.com/agentmux/agentmux/internal/model"
	"github.com/agentmux/agentmux/internal/ownership"
	"github.com/agentmux/agentmux/internal/prompt"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/rpc"
	"github.com/agentmux/agentmux/internal/runner"
	"github.com/agentmux/agentmux/internal/tail"
)

// Options configure an agent beyond its file configuration.
type Options struct {
	Config *config.Config
	// Bus overrides bus selection; nil picks redis or memory per config.
	Bus bus.Bus
	// Streamer overrides provider selection; nil picks anthropic, or the
	// scripted stub in standalone mode without credentials.
	Streamer model.Streamer
	// ProjectOverride and NameOverride take precedence over config.
	ProjectOverride string
	NameOverride    string
	Logger          *logger.Logger
}

// Agent is one running agent process.
type Agent struct {
	cfg        *config.Config
	id         identity.Identity
	standalone bool
	startedAt  time.Time
	logger     *logger.Logger

	bus       bus.Bus
	ownsBus   bool
	lock      *identity.Lock
	registry  *registry.Registry
	heartbeat *heartbeat.Service
	emitter   *tail.Emitter
	queue     *queue.Queue
	store     *history.Store
	engine    *history.Engine
	prompts   *prompt.Layer
	account   *memory.Accountant
	counter   *memory.Counter
	kb        kb.Store
	runner    *runner.Runner
	server    *rpc.Server

	mu      sync.Mutex
	started bool
}

// New derives the agent's identity and builds its component graph. Nothing
// touches the bus until Start.
func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	log := opts.Logger

	id, err := identity.Derive(cfg, opts.ProjectOverride, opts.NameOverride)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:        cfg,
		id:         id,
		standalone: cfg.Bus.Standalone || (cfg.Bus.URL == "" && opts.Bus == nil),
		startedAt:  time.Now().UTC(),
		logger:     log.WithComponent("agent").WithAgentID(id.ID()),
		bus:        opts.Bus,
	}

	stateDir := cfg.Agent.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(workDir(cfg), ".agentmux")
	}

	a.queue, err = queue.Open(filepath.Join(stateDir, "queue.jsonl"), log)
	if err != nil {
		return nil, err
	}
	a.store, err = history.Open(
		filepath.Join(stateDir, "history.jsonl"),
		filepath.Join(stateDir, "summary.jsonl"), log)
	if err != nil {
		return nil, err
	}
	a.prompts, err = prompt.Open(
		filepath.Join(stateDir, "system_base.md"),
		filepath.Join(stateDir, "system_overlay.md"), log)
	if err != nil {
		return nil, err
	}
	a.account, err = memory.NewAccountant(cfg.Memory.TokenLimit, cfg.Memory.SummarizeThreshold)
	if err != nil {
		return nil, err
	}
	a.counter = memory.NewCounter()
	a.kb, err = kb.NewSQLiteStore(filepath.Join(stateDir, "kb.sqlite"))
	if err != nil {
		return nil, err
	}

	streamer := opts.Streamer
	if streamer == nil {
		if a.standalone && os.Getenv("ANTHROPIC_API_KEY") == "" {
			streamer = model.NewScripted("Standalone mode: no model provider configured.")
		} else {
			streamer = model.NewAnthropic(cfg.Agent.Model, "", log)
		}
	}

	policy := history.Policy{
		Strategy:           cfg.History.Strategy,
		TokenThreshold:     cfg.History.TokenThreshold,
		TimeWindow:         cfg.History.TimeWindow(),
		ImportanceFraction: cfg.History.ImportanceFraction,
		MaxSummaries:       cfg.History.MaxSummaries,
	}
	digester, _ := streamer.(history.Digester)
	a.engine = history.NewEngine(a.store, policy, digester, log)

	// Registry and emitter are bound in Start once the bus exists.
	a.runner = runner.New(runner.Options{
		Queue:        a.queue,
		Store:        a.store,
		Engine:       a.engine,
		Prompts:      a.prompts,
		Accountant:   a.account,
		Counter:      a.counter,
		Streamer:     streamer,
		AgentID:      a.id.ID(),
		RecentWindow: a.cfg.History.RecentWindow,
		Logger:       log,
	})
	return a, nil
}

// ID returns the derived agent id.
func (a *Agent) ID() string {
	return a.id.ID()
}

// Runner exposes the task runner for tool registration.
func (a *Agent) Runner() *runner.Runner {
	return a.runner
}

// Start connects the bus, claims the single-instance lock, registers
// presence, and brings up heartbeat, tail, RPC, and the task runner. A
// second instance of the same id fails with agent.duplicate.
func (a *Agent) Start(ctx context.Context) error {
	log := a.logger

	if a.bus == nil {
		if a.standalone {
			a.bus = bus.NewMemoryBus(log)
		} else {
			redisBus, err := bus.NewRedisBus(ctx, a.cfg.Bus.URL, log)
			if err != nil {
				return err
			}
			a.bus = redisBus
		}
		a.ownsBus = true
	}

	agentID := a.id.ID()
	heartbeatTTL := a.cfg.Heartbeat.TTL()

	a.lock = identity.NewLock(a.bus, agentID, heartbeatTTL, log)
	if err := a.lock.Acquire(ctx); err != nil {
		return err
	}

	a.registry = registry.New(a.bus, heartbeatTTL, log)
	state := registry.StateRegistered
	if a.standalone {
		state = registry.StateStandalone
	}
	host, _ := os.Hostname()
	rec := registry.NewRecord(agentID, a.id.Name, a.id.Project, a.cfg.Agent.Model,
		workDir(a.cfg), host, os.Getpid(), state)
	if err := a.registry.Register(ctx, rec); err != nil {
		return err
	}

	a.heartbeat = heartbeat.NewService(a.bus, agentID,
		a.cfg.Heartbeat.HeartbeatPeriod(), heartbeatTTL,
		a.lock, a.registry, a.snapshotRecord, log)

	a.emitter = tail.NewEmitter(a.bus, agentID, 0, log)
	a.runner.Bind(a.registry, a.emitter)

	var oracle ownership.Oracle = ownership.NewChecker(a.bus)
	if a.standalone {
		oracle = ownership.AllowAll{}
	}
	a.server = rpc.NewServer(a.bus, agentID, oracle, log)
	a.registerHandlers()
	if err := a.server.Start(ctx); err != nil {
		return err
	}

	a.heartbeat.Start(ctx)
	a.runner.Start(ctx)

	if restart := a.store.ReconstructContext(a.cfg.History.RecentWindow, ""); restart != "" {
		a.account.Add(a.counter.Count(restart))
		log.Info("restored context from previous run",
			zap.Int("turns", a.store.Size()),
			zap.Int("summaries", len(a.store.Summaries())))
	}
	if err := a.registry.UpdateState(ctx, agentID, registry.StateIdle); err != nil {
		log.Warn("initial idle state update failed", zap.Error(err))
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	log.Info("agent started",
		zap.Bool("standalone", a.standalone),
		zap.Int("queued", a.queue.Size()))
	return nil
}

// Shutdown tears the agent down in reverse bootstrap order. Every step
// runs even when an earlier one fails.
func (a *Agent) Shutdown(ctx context.Context) {
	log := a.logger
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if a.runner != nil && started {
		a.runner.Stop()
	}
	if a.server != nil {
		a.server.Stop()
	}
	if a.heartbeat != nil && started {
		a.heartbeat.Stop()
	}
	if a.registry != nil && started {
		if err := a.registry.UpdateState(ctx, a.id.ID(), registry.StateShutdown); err != nil {
			log.Warn("shutdown state update failed", zap.Error(err))
		}
		if err := a.registry.Unregister(ctx, a.id.ID()); err != nil {
			log.Warn("unregister failed", zap.Error(err))
		}
	}
	if a.lock != nil && started {
		if err := a.lock.Release(ctx); err != nil {
			log.Warn("lock release failed", zap.Error(err))
		}
	}
	if a.kb != nil {
		if err := a.kb.Close(); err != nil {
			log.Warn("knowledge base close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn("history close failed", zap.Error(err))
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			log.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.ownsBus && a.bus != nil {
		a.bus.Close()
	}
	log.Info("agent stopped")
}

// snapshotRecord reads the live presence record for the heartbeat refresh,
// falling back to a base record when the read fails.
func (a *Agent) snapshotRecord() *registry.Record {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if rec, err := a.registry.Get(ctx, a.id.ID()); err == nil {
		return rec
	}
	host, _ := os.Hostname()
	state := registry.StateIdle
	if a.runner.Active() {
		state = registry.StateBusy
	}
	rec := registry.NewRecord(a.id.ID(), a.id.Name, a.id.Project, a.cfg.Agent.Model,
		workDir(a.cfg), host, os.Getpid(), state)
	rec.CtxPct = a.account.Usage()
	return rec
}

func workDir(cfg *config.Config) string {
	if cfg.Agent.WorkDir != "" {
		return cfg.Agent.WorkDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
