package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"autobuild/internal/core"
	"autobuild/internal/daemon"
	"autobuild/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("daemon interrupted")
			os.Exit(130)
		}
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		listen     string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:           "autobuild-server",
		Short:         "Run the autobuild daemon: triggers, job dispatch and build history",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.Configure(os.Stderr, logLevel, logFormat)
			if err != nil {
				return err
			}

			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := d.Run(cmd.Context()); err != nil {
				return err
			}
			logger.Info("daemon stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "autobuild.yaml", "Path to the YAML or TOML configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "Override the configured listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Set log verbosity (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log output format (text, json)")
	return cmd
}
