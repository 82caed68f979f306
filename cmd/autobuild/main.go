package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"autobuild/internal/core"
	"autobuild/internal/daemon"
	"autobuild/internal/ledger"
	"autobuild/internal/logging"
	"autobuild/internal/security"
	"autobuild/internal/storage"
	"autobuild/internal/store"
	"autobuild/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("command interrupted")
			os.Exit(130)
		}
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	var (
		logLevel  string
		logFormat string
		logger    *slog.Logger
	)

	root := &cobra.Command{
		Use:           "autobuild",
		Short:         "Run builds locally and inspect build ledgers",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			logger, err = logging.Configure(os.Stderr, logLevel, logFormat)
			return err
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Set log verbosity (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text, json)")

	root.AddCommand(
		newRunCommand(out, func() *slog.Logger { return logger }),
		newInspectCommand(out),
		newVerifyCommand(out),
	)
	return root
}

func newRunCommand(out io.Writer, logger func() *slog.Logger) *cobra.Command {
	var (
		configPath string
		record     bool
	)
	cmd := &cobra.Command{
		Use:   "run <project>",
		Short: "Run one build of a project in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}
			registry, err := cfg.BuildRegistry()
			if err != nil {
				return err
			}

			var sinks []core.HistorySink
			if record {
				st, err := store.Open(cfg.HistoryDB)
				if err != nil {
					return err
				}
				defer st.Close()
				l, err := openLedger(cfg)
				if err != nil {
					return err
				}
				sinks = append(sinks, st, &ledger.Sink{Ledger: l, Logs: storage.NewLogStorage(cfg.LogDir), AgentID: cfg.AgentID})
			}

			builder := core.NewBuilder(registry, daemon.NewRunner(cfg), cfg.ProjectRoot, logger(), sinks...)
			status, err := builder.RunBuild(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, status.Log())

			result, _ := status.Result()
			if result == core.ResultFailed || result == core.ResultError {
				return fmt.Errorf("build of %s finished with %s", args[0], result)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "autobuild.yaml", "Path to the YAML or TOML configuration file")
	cmd.Flags().BoolVar(&record, "record", false, "Record the build in the history database and ledger")
	return cmd
}

func openLedger(cfg *core.Config) (*ledger.Ledger, error) {
	var signer *security.KeyPair
	if cfg.SigningKeyDir != "" {
		kp, _, err := security.EnsureKeyPair(cfg.SigningKeyDir)
		if err != nil {
			return nil, err
		}
		signer = kp
	}
	return ledger.Open(cfg.LedgerPath, signer)
}

func newInspectCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <ledger.jsonl>",
		Short: "List the entries of a build ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := ledger.Open(args[0], nil)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tPROJECT\tRESULT\tBUILD\tFINISHED\tHASH\tSIGNED")
			for _, e := range l.Entries() {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%t\n",
					e.Index, e.Project, e.Result, e.BuildID, e.FinishedAt, utils.ShortHash(e.Hash, 16), e.Signature != "")
			}
			return tw.Flush()
		},
	}
}

func newVerifyCommand(out io.Writer) *cobra.Command {
	var (
		checkLogs bool
		pubKey    string
	)
	cmd := &cobra.Command{
		Use:   "verify <ledger.jsonl>",
		Short: "Verify hashes, links and signatures of a build ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := ledger.Open(args[0], nil)
			if err != nil {
				return err
			}
			if pubKey != "" {
				pub, err := security.LoadPublicKey(pubKey)
				if err != nil {
					return fmt.Errorf("load public key: %w", err)
				}
				l.TrustKey(pub)
			}
			if err := l.VerifyChain(); err != nil {
				return err
			}
			if checkLogs {
				if err := l.VerifyLogs(); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "ledger ok: %d entries\n", l.Len())
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkLogs, "logs", false, "Also re-hash the saved build logs")
	cmd.Flags().StringVar(&pubKey, "pubkey", "", "Only accept signatures from this public key file (e.g. keys/"+security.PublicKeyFile+")")
	return cmd
}
