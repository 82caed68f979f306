package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"autobuild/internal/core"
	"autobuild/internal/logging"
	"autobuild/internal/server"
	"autobuild/internal/store"
)

func testConfig(t *testing.T) *core.Config {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	data := fmt.Sprintf(`
listen: 127.0.0.1:0
max_jobs: 2
project_root: %[1]s/projects
history_db: %[1]s/autobuild.db
ledger_path: %[1]s/ledger.jsonl
log_dir: %[1]s/logs
signing_key_dir: %[1]s/keys
commands:
  compile: ["echo compiling", "touch built"]
  lint: ["echo lint warning", "exit 1"]
projects:
  - name: alpha
    build: [compile]
    post_build: [lint]
  - name: beta
    build: [compile]
`, dir)
	path := filepath.Join(dir, "autobuild.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := core.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	return cfg
}

func startDaemon(t *testing.T, cfg *core.Config) (*Daemon, context.CancelFunc, <-chan error) {
	t.Helper()
	d, err := New(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case <-d.Ready():
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}
	return d, cancel, done
}

func stopDaemon(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonBuildsAndPersists(t *testing.T) {
	cfg := testConfig(t)
	d, cancel, done := startDaemon(t, cfg)

	client := server.NewClient("http://" + d.Addr())
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	resp, err := client.Trigger(ctx, "alpha")
	if err != nil || !resp.Queued {
		t.Fatalf("Trigger = %+v, %v", resp, err)
	}
	if err := d.Dispatcher.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}

	history, err := client.History(ctx, "alpha", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Result != core.ResultWarning {
		t.Fatalf("history = %+v", history)
	}
	if _, err := os.Stat(filepath.Join(cfg.ProjectRoot, "alpha", "built")); err != nil {
		t.Errorf("build did not run in the project work dir: %v", err)
	}

	status, err := client.VerifyLedger(ctx)
	if err != nil || !status.OK || status.Entries != 1 {
		t.Errorf("ledger = %+v, %v", status, err)
	}
	stopDaemon(t, cancel, done)

	// A second daemon on the same files starts with the imported history.
	again, err := New(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer again.Store.Close()
	h, _ := again.Registry.History("alpha")
	if h.Len() != 1 {
		t.Errorf("imported history len = %d", h.Len())
	}
	if latest, _ := h.Latest(); latest.ID != history[0].ID || !latest.Locked {
		t.Errorf("imported record = %+v", latest)
	}
}

func TestDaemonReplaysPersistedQueue(t *testing.T) {
	cfg := testConfig(t)

	st, err := store.Open(cfg.HistoryDB)
	if err != nil {
		t.Fatal(err)
	}
	jobs := []core.Job{core.NewJob("beta"), core.NewJob("retired")}
	if err := st.SaveQueue(context.Background(), jobs); err != nil {
		t.Fatal(err)
	}
	st.Close()

	d, cancel, done := startDaemon(t, cfg)
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := d.Dispatcher.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	h, _ := d.Registry.History("beta")
	if h.Len() != 1 {
		t.Errorf("replayed job did not build beta, history len = %d", h.Len())
	}
	stopDaemon(t, cancel, done)
}

func TestDaemonSavesPendingQueueOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxJobs = 1
	d, err := New(cfg, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	// Queue before the dispatch loop starts, then stop immediately; whatever
	// has not started by then must be persisted.
	d.Dispatcher.Trigger("alpha")
	d.Dispatcher.Trigger("beta")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st, err := store.Open(cfg.HistoryDB)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	pending, err := st.TakeQueue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	hA, _ := d.Registry.History("alpha")
	hB, _ := d.Registry.History("beta")
	if got := len(pending) + hA.Len() + hB.Len(); got != 2 {
		t.Errorf("pending %d + built %d + %d, want 2 jobs accounted for", len(pending), hA.Len(), hB.Len())
	}
}

func TestDaemonPollsEnabledProjects(t *testing.T) {
	cfg := testConfig(t)
	disabled := false
	cfg.Projects[1].PollInterval = "20ms"
	cfg.Projects = append(cfg.Projects, core.ProjectConfig{
		Name:         "gamma",
		Enabled:      &disabled,
		PollInterval: "20ms",
		PhaseConfig:  core.PhaseConfig{Build: []string{"compile"}},
	})
	d, cancel, done := startDaemon(t, cfg)

	beta, _ := d.Registry.History("beta")
	deadline := time.Now().Add(5 * time.Second)
	for beta.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poller never built beta")
		}
		time.Sleep(10 * time.Millisecond)
	}
	stopDaemon(t, cancel, done)

	if gamma, _ := d.Registry.History("gamma"); gamma.Len() != 0 {
		t.Errorf("disabled project was polled %d times", gamma.Len())
	}
	if alpha, _ := d.Registry.History("alpha"); alpha.Len() != 0 {
		t.Errorf("project without poll_interval was built %d times", alpha.Len())
	}
}
