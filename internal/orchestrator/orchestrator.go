// Package orchestrator hosts agent lifecycle RPC on a well-known target:
// create, spawn, list, and delete configured agents. Configuration persists
// to a JSON file; spawning either starts a local subprocess or returns the
// command line for remote execution.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
	"github.com/agentmux/agentmux/internal/identity"
	"github.com/agentmux/agentmux/internal/ownership"
	"github.com/agentmux/agentmux/internal/rpc"
)

// TargetID is the well-known RPC target the orchestrator listens on.
const TargetID = "orchestrator"

// Error codes returned by orchestrator operations, one per lifecycle verb.
const (
	CodeCreateFailed = "orchestrator.create_failed"
	CodeSpawnFailed  = "orchestrator.spawn_failed"
	CodeListFailed   = "orchestrator.list_failed"
	CodeDeleteFailed = "orchestrator.delete_failed"
)

// AgentSpec is one configured agent.
type AgentSpec struct {
	ID             string    `json:"id"`
	Project        string    `json:"project"`
	Name           string    `json:"name"`
	CWD            string    `json:"cwd"`
	Model          string    `json:"model"`
	SystemBasePath string    `json:"system_base_path,omitempty"`
	KBSeeds        []string  `json:"kb_seeds,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Orchestrator serves the lifecycle RPC methods and persists specs.
type Orchestrator struct {
	server *rpc.Server
	path   string
	binary string
	logger *logger.Logger

	mu     sync.Mutex
	agents map[string]*AgentSpec
}

// New creates an orchestrator persisting to specPath. binary is the agent
// executable used for spawning; empty means the current executable.
func New(b bus.Bus, specPath, binary string, log *logger.Logger) (*Orchestrator, error) {
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fault.Wrap(CodeSpawnFailed, err)
		}
		binary = exe
	}
	o := &Orchestrator{
		path:   specPath,
		binary: binary,
		logger: log.WithComponent("orchestrator"),
		agents: make(map[string]*AgentSpec),
	}
	if err := o.load(); err != nil {
		return nil, err
	}

	o.server = rpc.NewServer(b, TargetID, ownership.AllowAll{}, log)
	o.server.Register(rpc.MethodOrchCreateAgent, o.handleCreate)
	o.server.Register(rpc.MethodOrchSpawnAgent, o.handleSpawn)
	o.server.Register(rpc.MethodOrchListAgents, o.handleList)
	o.server.Register(rpc.MethodOrchDeleteAgent, o.handleDelete)
	return o, nil
}

// Start begins serving lifecycle RPC.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.server.Start(ctx)
}

// Stop ends RPC serving.
func (o *Orchestrator) Stop() {
	o.server.Stop()
}

func (o *Orchestrator) handleCreate(ctx context.Context, params map[string]any) (map[string]any, error) {
	project, _ := params["project"].(string)
	name, _ := params["name"].(string)
	cwd, _ := params["cwd"].(string)
	modelID, _ := params["model"].(string)
	if project == "" || name == "" {
		return nil, fault.New(CodeCreateFailed, "project and name are required")
	}
	if cwd == "" {
		cwd = "."
	}

	id := identity.Identity{Project: project, Name: name}.ID()
	spec := &AgentSpec{
		ID:        id,
		Project:   project,
		Name:      name,
		CWD:       cwd,
		Model:     modelID,
		CreatedAt: time.Now().UTC(),
	}
	if base, ok := params["system_base_path"].(string); ok {
		spec.SystemBasePath = base
	}
	if seeds, ok := params["kb_seeds"].([]any); ok {
		for _, s := range seeds {
			if str, ok := s.(string); ok {
				spec.KBSeeds = append(spec.KBSeeds, str)
			}
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.agents[id]; exists {
		return nil, fault.Newf(CodeCreateFailed, "agent %s already configured", id)
	}
	o.agents[id] = spec
	if err := o.persistLocked(CodeCreateFailed); err != nil {
		delete(o.agents, id)
		return nil, err
	}
	o.logger.Info("agent configured", zap.String("agent_id", id))
	return map[string]any{"agent_id": id}, nil
}

func (o *Orchestrator) handleSpawn(ctx context.Context, params map[string]any) (map[string]any, error) {
	id, _ := params["agent_id"].(string)
	remote, _ := params["remote"].(bool)

	o.mu.Lock()
	spec, ok := o.agents[id]
	o.mu.Unlock()
	if !ok {
		return nil, fault.Newf(CodeSpawnFailed, "no configured agent %s", id)
	}

	args := []string{
		"--project", spec.Project,
		"--name", spec.Name,
		"--cwd", spec.CWD,
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}

	if remote {
		return map[string]any{
			"command": o.binary + " " + strings.Join(args, " "),
		}, nil
	}

	cmd := exec.Command(o.binary, args...)
	cmd.Dir = spec.CWD
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fault.Wrap(CodeSpawnFailed, err)
	}
	pid := cmd.Process.Pid
	go func() {
		// Reap the child so it never lingers as a zombie.
		if err := cmd.Wait(); err != nil {
			o.logger.Warn("spawned agent exited with error",
				zap.String("agent_id", id), zap.Error(err))
		}
	}()
	o.logger.Info("agent spawned", zap.String("agent_id", id), zap.Int("pid", pid))
	return map[string]any{"agent_id": id, "pid": pid}, nil
}

func (o *Orchestrator) handleList(ctx context.Context, _ map[string]any) (map[string]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	agents := make([]map[string]any, 0, len(o.agents))
	for _, spec := range o.agents {
		agents = append(agents, map[string]any{
			"agent_id":   spec.ID,
			"project":    spec.Project,
			"name":       spec.Name,
			"cwd":        spec.CWD,
			"model":      spec.Model,
			"created_at": spec.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"agents": agents}, nil
}

func (o *Orchestrator) handleDelete(ctx context.Context, params map[string]any) (map[string]any, error) {
	id, _ := params["agent_id"].(string)
	o.mu.Lock()
	defer o.mu.Unlock()
	spec, ok := o.agents[id]
	if !ok {
		return nil, fault.Newf(CodeDeleteFailed, "no configured agent %s", id)
	}
	delete(o.agents, id)
	if err := o.persistLocked(CodeDeleteFailed); err != nil {
		o.agents[id] = spec
		return nil, err
	}
	o.logger.Info("agent deleted", zap.String("agent_id", id))
	return map[string]any{}, nil
}

// load reads the spec file; a missing file starts empty.
func (o *Orchestrator) load() error {
	data, err := os.ReadFile(o.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fault.Wrap(CodeListFailed, err)
	}
	var specs []*AgentSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fault.Wrap(CodeListFailed, fmt.Errorf("parse %s: %w", o.path, err))
	}
	for _, spec := range specs {
		o.agents[spec.ID] = spec
	}
	return nil
}

// persistLocked writes the spec file atomically, coding failures with the
// operation that triggered the write. Caller holds the lock.
func (o *Orchestrator) persistLocked(code string) error {
	specs := make([]*AgentSpec, 0, len(o.agents))
	for _, spec := range o.agents {
		specs = append(specs, spec)
	}
	data, err := json.MarshalIndent(specs, "", "  ")
	if err != nil {
		return fault.Wrap(code, err)
	}
	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return fault.Wrap(code, err)
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fault.Wrap(code, err)
	}
	if err := os.Rename(tmp, o.path); err != nil {
		return fault.Wrap(code, err)
	}
	return nil
}
