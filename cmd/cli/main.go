package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"autobuild/internal/core"
	"autobuild/internal/logging"
	"autobuild/internal/server"
)

const defaultServer = "http://localhost:8080"

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

type app struct {
	out     io.Writer
	client  *server.Client
	asJSON  bool
	timeout time.Duration
}

func newRootCommand(out io.Writer) *cobra.Command {
	a := &app{out: out}
	var (
		serverURL string
		logLevel  string
		logFormat string
	)

	root := &cobra.Command{
		Use:           "autobuild-cli",
		Short:         "Operate a running autobuild daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := logging.Configure(os.Stderr, logLevel, logFormat); err != nil {
				return err
			}
			a.client = server.NewClient(serverURL)
			return nil
		},
	}

	envServer := os.Getenv("AUTOBUILD_SERVER")
	if envServer == "" {
		envServer = defaultServer
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envServer, "Daemon base URL (env AUTOBUILD_SERVER)")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "Print raw JSON responses")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "Request timeout")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Set log verbosity (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text, json)")

	root.AddCommand(
		a.triggerCommand(),
		a.projectsCommand(),
		a.statusCommand(),
		a.historyCommand(),
		a.queueCommand(),
		a.pushCommand(),
		a.verifyCommand(),
	)
	return root
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), a.timeout)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) triggerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <project>...",
		Short: "Request builds of one or more projects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			var errs []error
			for _, name := range args {
				resp, err := a.client.Trigger(ctx, name)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
					continue
				}
				if a.asJSON {
					if err := a.printJSON(resp); err != nil {
						return err
					}
					continue
				}
				if resp.Queued {
					fmt.Fprintf(a.out, "%s: queued\n", name)
				} else {
					fmt.Fprintf(a.out, "%s: already %s, request suppressed\n", name, resp.State)
				}
			}
			return errors.Join(errs...)
		},
	}
}

func (a *app) projectsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List configured projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			projects, err := a.client.Projects(ctx)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(projects)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROJECT\tENABLED\tSTATE\tBUILDS\tLAST RESULT\tLAST BUILD")
			for _, p := range projects {
				result, when := "-", "-"
				if p.LastBuild != nil {
					result = string(p.LastBuild.Result)
					when = p.LastBuild.Timestamp.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%d\t%s\t%s\n", p.Name, p.Enabled, p.State, p.Builds, result, when)
			}
			return tw.Flush()
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project>",
		Short: "Show a project's configuration and state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			detail, err := a.client.Project(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(detail)
		},
	}
}

func (a *app) historyCommand() *cobra.Command {
	var (
		limit   int
		showLog bool
	)
	cmd := &cobra.Command{
		Use:   "history <project>",
		Short: "Show recent builds of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			records, err := a.client.History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(records)
			}
			for _, rec := range records {
				printRecord(a.out, rec, showLog)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of builds to show, 0 for all")
	cmd.Flags().BoolVar(&showLog, "log", false, "Include build logs")
	return cmd
}

func printRecord(w io.Writer, rec core.BuildRecord, showLog bool) {
	fmt.Fprintf(w, "%s  %-7s  %s  (%s)\n", rec.Timestamp.Local().Format(time.DateTime), rec.Result, rec.ID, rec.Duration().Round(time.Millisecond))
	if showLog && rec.Log != "" {
		fmt.Fprintln(w, rec.Log)
		fmt.Fprintln(w)
	}
}

func (a *app) queueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show pending and running builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			q, err := a.client.Queue(ctx)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(q)
			}
			fmt.Fprintf(a.out, "slots: %d/%d in use\n", q.Active, q.MaxJobs)
			for project, n := range q.Running {
				fmt.Fprintf(a.out, "running  %s (%d)\n", project, n)
			}
			for _, job := range q.Pending {
				fmt.Fprintf(a.out, "queued   %s since %s\n", job.Project, job.QueuedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}

func (a *app) pushCommand() *cobra.Command {
	var (
		repo string
		url  string
		ref  string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Send a push notification as a repository host would",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if repo == "" && url == "" {
				return errors.New("--repo or --url is required")
			}
			var event server.PushEvent
			event.Ref = ref
			event.Repository.Name = repo
			event.Repository.URL = url

			ctx, cancel := a.context(cmd)
			defer cancel()
			resp, err := a.client.Push(ctx, event)
			if err != nil {
				return err
			}
			return a.printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "Repository name")
	cmd.Flags().StringVar(&url, "url", "", "Repository URL")
	cmd.Flags().StringVar(&ref, "ref", "refs/heads/main", "Pushed ref")
	return cmd
}

func (a *app) verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Ask the daemon to verify its build ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			status, err := a.client.VerifyLedger(ctx)
			if err != nil {
				return err
			}
			if a.asJSON {
				if err := a.printJSON(status); err != nil {
					return err
				}
			}
			if !status.OK {
				return fmt.Errorf("ledger verification failed: %s", status.Error)
			}
			if !a.asJSON {
				fmt.Fprintf(a.out, "ledger ok: %d entries\n", status.Entries)
			}
			return nil
		},
	}
}
