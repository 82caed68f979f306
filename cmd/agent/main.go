package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"autobuild/internal/agent"
	"autobuild/internal/core"
	"autobuild/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("agent interrupted")
			os.Exit(130)
		}
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		listen    string
		id        string
		shell     string
		timeout   time.Duration
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:           "autobuild-agent",
		Short:         "Execute build command scripts on behalf of an autobuild daemon",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.Configure(os.Stderr, logLevel, logFormat)
			if err != nil {
				return err
			}
			if id == "" {
				id, _ = os.Hostname()
			}

			runner := core.NewShellRunner()
			if shell != "" {
				runner.Shell = shell
			}
			runner.Timeout = timeout

			h := &agent.Handler{ID: id, Runner: runner, Logger: logger.With("component", "agent")}
			srv := &http.Server{Addr: listen, Handler: h.Routes(), ReadHeaderTimeout: 10 * time.Second}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			logger.Info("agent listening", "listen", listen, "agent_id", id)

			ctx := cmd.Context()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return ctx.Err()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":9090", "Address to serve the agent API on")
	cmd.Flags().StringVar(&id, "id", "", "Agent identifier reported to the daemon (default: hostname)")
	cmd.Flags().StringVar(&shell, "shell", "", "Shell used to run command scripts (default: sh)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-script timeout, 0 for none")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Set log verbosity (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log output format (text, json)")
	return cmd
}
