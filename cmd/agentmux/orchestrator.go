package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/heartbeat"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/registry"
)

// newOrchestratorCmd serves the agent lifecycle RPC (create, spawn, list,
// delete) on the well-known orchestrator target.
func newOrchestratorCmd() *cobra.Command {
	var (
		flagBus      string
		flagSpecs    string
		flagBinary   string
		flagLogLevel string
	)

	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Serve agent lifecycle RPC on the bus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if flagBus != "" {
				cfg.Bus.URL = flagBus
			}
			if flagLogLevel != "" {
				cfg.Logging.Level = flagLogLevel
			}

			log, err := logger.NewLogger(logger.LoggingConfig{
				Level:      cfg.Logging.Level,
				Format:     cfg.Logging.Format,
				OutputPath: cfg.Logging.OutputPath,
			})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			busImpl, err := bus.NewRedisBus(cmd.Context(), cfg.Bus.URL, log)
			if err != nil {
				return err
			}
			defer busImpl.Close()

			specs := flagSpecs
			if specs == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				specs = filepath.Join(home, ".agentmux", "agents.json")
			}

			orch, err := orchestrator.New(busImpl, specs, flagBinary, log)
			if err != nil {
				return err
			}
			if err := orch.Start(cmd.Context()); err != nil {
				return err
			}
			defer orch.Stop()

			// Mark agents with stale heartbeats as disconnected so /ps
			// reflects reality even after a hard crash.
			reg := registry.New(busImpl, cfg.Heartbeat.TTL(), log)
			monitor := heartbeat.NewMonitor(busImpl,
				cfg.Heartbeat.HeartbeatPeriod(), cfg.Heartbeat.TTL(), log)
			monitor.OnStale(func(agentID string, _ time.Time) {
				if err := reg.UpdateState(cmd.Context(), agentID, registry.StateDisconnected); err != nil {
					log.Warn("failed to mark stale agent disconnected",
						zap.String("agent_id", agentID), zap.Error(err))
				}
			})
			monitor.Start(cmd.Context())
			defer monitor.Stop()

			log.Info("orchestrator serving")
			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&flagBus, "bus", os.Getenv("AGENTMUX_BUS_URL"), "bus URL (redis://...)")
	cmd.Flags().StringVar(&flagSpecs, "specs", "", "agent spec file (default ~/.agentmux/agents.json)")
	cmd.Flags().StringVar(&flagBinary, "agent-binary", "", "agent executable for spawning (default: this binary)")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (debug|info|warn|error)")
	return cmd
}
