package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"autobuild/internal/core"
	"autobuild/internal/ledger"
	"autobuild/internal/logging"
)

type nopBuilder struct{}

func (nopBuilder) RunBuild(_ context.Context, name string) (*core.BuildStatus, error) {
	s := core.NewBuildStatus(name)
	s.SetResult(core.ResultSuccess)
	s.Lock()
	return s, nil
}

type fixture struct {
	registry   *core.Registry
	dispatcher *core.Dispatcher
	server     *httptest.Server
	client     *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := core.NewRegistry(nil)

	alpha := core.NewProject("alpha")
	alpha.RepoURL = "https://git.example.com/team/alpha.git"
	alpha.WatchRefs = []string{"main"}
	alpha.Build = []string{"make"}
	beta := core.NewProject("beta")
	beta.AllowConcurrentBuilds = true
	gamma := core.NewProject("gamma")
	gamma.Enabled = false
	for _, p := range []*core.Project{alpha, beta, gamma} {
		if err := registry.AddProject(p); err != nil {
			t.Fatal(err)
		}
	}

	// The dispatch loop is not started, so triggered jobs stay queued.
	dispatcher := core.NewDispatcher(registry, nopBuilder{}, core.DispatcherOptions{MaxJobs: 2, Logger: logging.Discard()})
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.jsonl"), nil)
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{Registry: registry, Dispatcher: dispatcher, Ledger: l, Logger: logging.Discard()}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &fixture{registry: registry, dispatcher: dispatcher, server: srv, client: NewClient(srv.URL)}
}

func TestTriggerEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.client.Trigger(ctx, "alpha")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !resp.Queued || resp.State != core.StateQueued {
		t.Errorf("first trigger = %+v", resp)
	}
	resp, err = f.client.Trigger(ctx, "alpha")
	if err != nil || resp.Queued {
		t.Errorf("duplicate trigger = %+v, %v", resp, err)
	}

	_, err = f.client.Trigger(ctx, "ghost")
	if !errors.Is(err, core.ErrUnknownProject) {
		t.Errorf("unknown project error = %v", err)
	}

	q, err := f.client.Queue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Pending) != 1 || q.Pending[0].Project != "alpha" || q.MaxJobs != 2 {
		t.Errorf("queue = %+v", q)
	}
}

func TestTriggerStatusCodes(t *testing.T) {
	f := newFixture(t)
	post := func(name string) int {
		resp, err := http.Post(f.server.URL+"/projects/"+name+"/trigger", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post("beta"); code != http.StatusAccepted {
		t.Errorf("queued status = %d", code)
	}
	if code := post("beta"); code != http.StatusAccepted {
		t.Errorf("concurrent project status = %d", code)
	}
	if code := post("ghost"); code != http.StatusNotFound {
		t.Errorf("unknown status = %d", code)
	}

	if _, err := f.dispatcher.Shutdown(context.Background(), core.ShutdownAbandon); err != nil {
		t.Fatal(err)
	}
	if code := post("alpha"); code != http.StatusServiceUnavailable {
		t.Errorf("stopped status = %d", code)
	}
}

func TestProjectEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h, _ := f.registry.History("alpha")
	for _, r := range []core.Result{core.ResultFailed, core.ResultSuccess} {
		s := core.NewBuildStatus("alpha")
		s.Append("log")
		s.SetResult(r)
		h.Append(s)
	}

	projects, err := f.client.Projects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range projects {
		names = append(names, p.Name)
	}
	if !reflect.DeepEqual(names, []string{"alpha", "beta", "gamma"}) {
		t.Errorf("names = %v", names)
	}
	if projects[0].Builds != 2 || projects[0].LastBuild == nil || projects[0].LastBuild.Result != core.ResultSuccess {
		t.Errorf("alpha summary = %+v", projects[0])
	}

	detail, err := f.client.Project(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(detail.Build, []string{"make"}) || detail.State != core.StateIdle {
		t.Errorf("detail = %+v", detail)
	}

	recs, err := f.client.History(ctx, "alpha", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Result != core.ResultSuccess || !recs[0].Locked {
		t.Errorf("history = %+v", recs)
	}
	if _, err := f.client.History(ctx, "ghost", 0); !errors.Is(err, core.ErrUnknownProject) {
		t.Errorf("unknown history error = %v", err)
	}
}

func TestPushWebhook(t *testing.T) {
	f := newFixture(t)

	var event PushEvent
	event.Ref = "refs/heads/main"
	event.Repository.Name = "alpha"
	resp, err := f.client.Push(context.Background(), event)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(resp.Triggered, []string{"alpha"}) {
		t.Errorf("triggered = %v", resp.Triggered)
	}

	// Form-encoded delivery matched by clone URL; alpha is already queued.
	payload := `{"ref":"refs/heads/main","repository":{"name":"other","clone_url":"https://git.example.com/team/alpha"}}`
	r, err := http.PostForm(f.server.URL+"/hooks/push", url.Values{"payload": {payload}})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	var form PushResponse
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		t.Fatal(err)
	}
	if len(form.Triggered) != 0 || !reflect.DeepEqual(form.Suppressed, []string{"alpha"}) {
		t.Errorf("form push = %+v", form)
	}

	bad, err := http.Post(f.server.URL+"/hooks/push", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed push status = %d", bad.StatusCode)
	}
}

func TestMatchPush(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		repo string
		ref  string
		want []string
	}{
		{"watched ref", "alpha", "refs/heads/main", []string{"alpha"}},
		{"short ref", "alpha", "main", []string{"alpha"}},
		{"unwatched ref", "alpha", "refs/heads/dev", nil},
		{"no watch list", "beta", "refs/tags/v1", []string{"beta"}},
		{"disabled project", "gamma", "refs/heads/main", nil},
		{"unknown repo", "delta", "refs/heads/main", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var event PushEvent
			event.Ref = tt.ref
			event.Repository.Name = tt.repo
			if got := MatchPush(f.registry, event); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MatchPush = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthAndLedger(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}

	status, err := f.client.VerifyLedger(context.Background())
	if err != nil || !status.OK || status.Entries != 0 {
		t.Errorf("verify = %+v, %v", status, err)
	}
}
