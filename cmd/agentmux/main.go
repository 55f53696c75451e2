// Package main is the agent daemon. One process per (project, name) pair;
// a second instance of the same identity exits with code 11.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/fault"
	"github.com/agentmux/agentmux/internal/identity"
)

const (
	exitDuplicate   = 11
	shutdownTimeout = 10 * time.Second
)

func main() {
	var (
		flagConfig     string
		flagBus        string
		flagStandalone bool
		flagCWD        string
		flagName       string
		flagProject    string
		flagModel      string
		flagLogLevel   string
	)

	root := &cobra.Command{
		Use:           "agentmux",
		Short:         "Run an agent attached to the shared message bus",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithPath(flagConfig)
			if err != nil {
				return err
			}
			if flagBus != "" {
				cfg.Bus.URL = flagBus
			}
			if flagStandalone {
				cfg.Bus.Standalone = true
			}
			if flagCWD != "" {
				cfg.Agent.WorkDir = flagCWD
			}
			if flagModel != "" {
				cfg.Agent.Model = flagModel
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
			logger.SetDefault(log)

			return run(cmd.Context(), cfg, flagProject, flagName, log)
		},
	}

	root.Flags().StringVar(&flagConfig, "config", "", "config file path")
	root.Flags().StringVar(&flagBus, "bus", os.Getenv("AGENTMUX_BUS_URL"), "bus URL (redis://...)")
	root.Flags().BoolVar(&flagStandalone, "standalone", false, "run without a bus, in-process only")
	root.Flags().StringVar(&flagCWD, "cwd", "", "working directory override")
	root.Flags().StringVar(&flagName, "name", "", "agent name override")
	root.Flags().StringVar(&flagProject, "project", "", "project override")
	root.Flags().StringVar(&flagModel, "model", "", "model identifier override")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (debug|info|warn|error)")
	// Accept underscore spellings (--log_level) alongside the dashed ones.
	root.PersistentFlags().SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.AddCommand(newOrchestratorCmd())

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentmux: %v\n", err)
		if fault.Is(err, identity.CodeDuplicate) {
			os.Exit(exitDuplicate)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, project, name string, log *logger.Logger) error {
	a, err := agent.New(agent.Options{
		Config:          cfg,
		ProjectOverride: project,
		NameOverride:    name,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	if err := a.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutdown signal received", zap.String("agent_id", a.ID()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Shutdown(shutdownCtx)
	return nil
}
