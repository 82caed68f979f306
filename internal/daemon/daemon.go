package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"autobuild/internal/agent"
	"autobuild/internal/core"
	"autobuild/internal/ledger"
	"autobuild/internal/logging"
	"autobuild/internal/metrics"
	"autobuild/internal/security"
	"autobuild/internal/server"
	"autobuild/internal/storage"
	"autobuild/internal/store"
)

const defaultShutdownTimeout = 30 * time.Second

// Daemon owns every long-lived component of a running build server.
type Daemon struct {
	cfg    *core.Config
	logger *slog.Logger

	Registry   *core.Registry
	Builder    *core.Builder
	Dispatcher *core.Dispatcher
	Store      *store.Store
	Ledger     *ledger.Ledger
	Metrics    *metrics.Recorder
	Server     *server.Server

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// New builds the daemon from cfg: registry, runner, persistence, ledger,
// metrics and dispatcher. Persisted history is imported into each project.
func New(cfg *core.Config, logger *slog.Logger) (_ *Daemon, err error) {
	logger = logging.Ensure(logger)

	registry, err := cfg.BuildRegistry()
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, logger: logger, Registry: registry, ready: make(chan struct{})}
	defer func() {
		if err != nil {
			_ = d.Store.Close()
		}
	}()

	d.Store, err = store.Open(cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	var signer *security.KeyPair
	if cfg.SigningKeyDir != "" {
		kp, created, err := security.EnsureKeyPair(cfg.SigningKeyDir)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		logger.Info("ledger signing key ready", "fingerprint", kp.Fingerprint(), "created", created)
		signer = kp
	}
	d.Ledger, err = ledger.Open(cfg.LedgerPath, signer)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := d.Ledger.VerifyChain(); err != nil {
		logger.Warn("ledger failed verification", "path", cfg.LedgerPath, "error", err)
	}

	sinks := []core.HistorySink{
		d.Store,
		&ledger.Sink{Ledger: d.Ledger, Logs: storage.NewLogStorage(cfg.LogDir), AgentID: cfg.AgentID},
	}
	if cfg.AgentURL != "" {
		logger.Info("running builds on remote agent", "agent_url", cfg.AgentURL)
	}
	d.Builder = core.NewBuilder(registry, NewRunner(cfg), cfg.ProjectRoot, logger.With("component", "builder"), sinks...)

	d.Metrics = metrics.NewRecorder()
	d.Dispatcher = core.NewDispatcher(registry, d.Builder, core.DispatcherOptions{
		MaxJobs:   cfg.MaxJobs,
		DeferBusy: cfg.DeferBusy == nil || *cfg.DeferBusy,
		Observer:  d.Metrics,
		Logger:    logger.With("component", "dispatcher"),
	})
	d.Server = &server.Server{
		Registry:   registry,
		Dispatcher: d.Dispatcher,
		Ledger:     d.Ledger,
		Metrics:    d.Metrics.Handler(),
		Logger:     logger.With("component", "http"),
	}

	if err := d.importHistory(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
}

// NewRunner picks the process runner described by cfg: a remote agent
// when agent_url is set, the local shell otherwise.
func NewRunner(cfg *core.Config) core.ProcessRunner {
	if cfg.AgentURL != "" {
		return agent.NewClient(cfg.AgentURL)
	}
	runner := core.NewShellRunner()
	if cfg.Shell != "" {
		runner.Shell = cfg.Shell
	}
	runner.Timeout = cfg.CommandTimeoutDuration()
	return runner
}

func (d *Daemon) importHistory(ctx context.Context) error {
	for _, name := range d.Registry.AllProjectNames() {
		records, err := d.Store.LoadHistory(ctx, name)
		if err != nil {
			return fmt.Errorf("load history of %s: %w", name, err)
		}
		h, err := d.Registry.History(name)
		if err != nil {
			return err
		}
		if h.Import(records) {
			d.logger.Debug("history imported", "project", name, "builds", len(records))
		}
	}
	return nil
}

// Handler returns the HTTP API.
func (d *Daemon) Handler() http.Handler {
	return d.Server.Routes()
}

// Addr returns the bound listen address once Run has started serving.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Ready is closed once the queue is replayed and the API is listening.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Run replays the persisted queue, starts the dispatch loop, pollers and the
// HTTP API, and blocks until ctx is done or a component fails. On return the
// pending queue has been saved and the store closed.
func (d *Daemon) Run(ctx context.Context) (err error) {
	ln, err := net.Listen("tcp", d.cfg.Listen)
	if err != nil {
		_ = d.Store.Close()
		return fmt.Errorf("listen on %s: %w", d.cfg.Listen, err)
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	d.replayQueue(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := d.Dispatcher.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	httpServer := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var pollers sync.WaitGroup
	d.startPollers(runCtx, &pollers)

	d.logger.Info("autobuild daemon started", "listen", ln.Addr().String(), "projects", len(d.Registry.AllProjectNames()), "max_jobs", d.Dispatcher.MaxJobs())
	close(d.ready)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		d.logger.Error("daemon component failed", "error", runErr)
	}
	cancel()
	pollers.Wait()

	return errors.Join(runErr, d.shutdown(httpServer))
}

func (d *Daemon) shutdown(httpServer *http.Server) error {
	timeout := d.cfg.ShutdownTimeoutDuration()
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	httpErr := httpServer.Shutdown(ctx)

	mode := d.cfg.ShutdownMode()
	pending, waitErr := d.Dispatcher.Shutdown(ctx, mode)
	d.logger.Info("dispatcher stopped", "mode", mode, "pending", len(pending), "running", d.Dispatcher.Active())

	saveErr := d.Store.SaveQueue(context.Background(), pending)
	if saveErr != nil {
		saveErr = fmt.Errorf("save pending queue: %w", saveErr)
	}
	return errors.Join(httpErr, waitErr, saveErr, d.Store.Close())
}

// replayQueue re-triggers jobs left pending by the previous run. Entries
// that can no longer be triggered are logged and dropped.
func (d *Daemon) replayQueue(ctx context.Context) {
	jobs, err := d.Store.TakeQueue(ctx)
	if err != nil {
		d.logger.Error("cannot read persisted queue", "error", err)
		return
	}
	for _, job := range jobs {
		queued, err := d.Dispatcher.Trigger(job.Project)
		if err != nil {
			d.logger.Warn("dropping persisted job", "project", job.Project, "job", job.ID, "error", err)
			continue
		}
		d.logger.Info("persisted job replayed", "project", job.Project, "queued", queued)
	}
}

func (d *Daemon) startPollers(ctx context.Context, wg *sync.WaitGroup) {
	for _, name := range d.Registry.AllProjectNames() {
		p, err := d.Registry.GetProject(name)
		if err != nil || p.PollInterval <= 0 {
			continue
		}
		wg.Add(1)
		go func(name string, interval time.Duration) {
			defer wg.Done()
			d.poll(ctx, name, interval)
		}(name, p.PollInterval)
	}
}

func (d *Daemon) poll(ctx context.Context, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := d.logger.With("component", "poller", "project", name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p, err := d.Registry.GetProject(name)
		if err != nil {
			return
		}
		if !p.Enabled {
			continue
		}
		queued, err := d.Dispatcher.Trigger(name)
		if err != nil {
			logger.Warn("poll trigger failed", "error", err)
			if errors.Is(err, core.ErrDispatcherStopped) || errors.Is(err, core.ErrSchedulerInvariant) {
				return
			}
			continue
		}
		if queued {
			logger.Debug("poll queued build")
		}
	}
}
