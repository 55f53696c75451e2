// Package main is the interactive console: discovers agents on the bus,
// attaches to one as the exclusive writer, streams its tail, and drives it
// through slash commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
)

func main() {
	var (
		flagBus      string
		flagNoPanes  bool
		flagTakeover bool
		flagGrace    int
		flagLogLevel string
	)

	root := &cobra.Command{
		Use:           "muxctl",
		Short:         "Interactive console for agents on the shared bus",
		SilenceUsage:  true,
		SilenceErrors: true,
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
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				// Keep structured logs away from the interactive prompt.
				OutputPath: consoleLogPath(),
			})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			logger.SetDefault(log)

			busImpl, err := bus.NewRedisBus(cmd.Context(), cfg.Bus.URL, log)
			if err != nil {
				return err
			}
			defer busImpl.Close()

			console := newConsole(consoleOptions{
				bus:          busImpl,
				config:       cfg,
				log:          log,
				noPanes:      flagNoPanes,
				takeover:     flagTakeover,
				grace:        time.Duration(flagGrace) * time.Second,
				ownershipTTL: cfg.Ownership.TTL(),
			})
			return console.run(cmd.Context())
		},
	}

	root.Flags().StringVar(&flagBus, "bus", os.Getenv("AGENTMUX_BUS_URL"), "bus URL (redis://...)")
	root.Flags().BoolVar(&flagNoPanes, "no-panes", false, "disable live token streaming output")
	root.Flags().BoolVar(&flagTakeover, "takeover", false, "displace the current writer on attach")
	root.Flags().IntVar(&flagGrace, "grace", 0, "takeover grace window in seconds (0 uses the configured default)")
	root.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (debug|info|warn|error)")

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "muxctl: %v\n", err)
		os.Exit(1)
	}
}

func consoleLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "muxctl.log"
	}
	dir := home + "/.agentmux"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "muxctl.log"
	}
	return dir + "/muxctl.log"
}
