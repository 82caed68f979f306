package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"autobuild/internal/core"
	"autobuild/internal/ledger"
	"autobuild/internal/logging"
)

// Server exposes the daemon over HTTP.
type Server struct {
	Registry   *core.Registry
	Dispatcher *core.Dispatcher
	// Ledger and Metrics are optional.
	Ledger  *ledger.Ledger
	Metrics http.Handler
	Logger  *slog.Logger
}

// ProjectSummary is one row of GET /projects.
type ProjectSummary struct {
	Name                  string            `json:"name"`
	Enabled               bool              `json:"enabled"`
	State                 core.JobState     `json:"state"`
	AllowConcurrentBuilds bool              `json:"allow_concurrent_builds"`
	RepoURL               string            `json:"repo_url,omitempty"`
	Builds                int               `json:"builds"`
	LastBuild             *core.BuildRecord `json:"last_build,omitempty"`
}

// ProjectDetail is the body of GET /projects/{name}.
type ProjectDetail struct {
	ProjectSummary
	VersionControl string   `json:"version_control,omitempty"`
	WatchRefs      []string `json:"watch_refs,omitempty"`
	WorkDir        string   `json:"work_dir,omitempty"`
	PollInterval   string   `json:"poll_interval,omitempty"`
	PreBuild       []string `json:"pre_build"`
	Build          []string `json:"build"`
	PostBuild      []string `json:"post_build"`
	Commands       []string `json:"commands"`
}

// TriggerResponse is returned by the trigger endpoints.
type TriggerResponse struct {
	Project string        `json:"project"`
	Queued  bool          `json:"queued"`
	State   core.JobState `json:"state"`
}

// QueueStatus is the body of GET /queue.
type QueueStatus struct {
	Pending []core.Job     `json:"pending"`
	Running map[string]int `json:"running"`
	Active  int            `json:"active"`
	MaxJobs int            `json:"max_jobs"`
}

// LedgerStatus is the body of GET /ledger/verify.
type LedgerStatus struct {
	OK       bool   `json:"ok"`
	Entries  int    `json:"entries"`
	LastHash string `json:"last_hash,omitempty"`
	Error    string `json:"error,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/queue", s.handleQueue)
	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.handleListProjects)
		r.Get("/{name}", s.handleGetProject)
		r.Get("/{name}/history", s.handleHistory)
		r.Post("/{name}/trigger", s.handleTrigger)
	})
	r.Post("/hooks/push", s.handlePush)
	r.Get("/ledger/verify", s.handleVerifyLedger)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}
	return r
}

func (s *Server) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger().Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start).Round(time.Microsecond),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.Dispatcher.Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /queue
func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	pending := s.Dispatcher.Pending()
	if pending == nil {
		pending = []core.Job{}
	}
	writeJSON(w, http.StatusOK, QueueStatus{
		Pending: pending,
		Running: s.Dispatcher.Running(),
		Active:  s.Dispatcher.Active(),
		MaxJobs: s.Dispatcher.MaxJobs(),
	})
}

// GET /projects
func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	names := s.Registry.AllProjectNames()
	out := make([]ProjectSummary, 0, len(names))
	for _, name := range names {
		p, err := s.Registry.GetProject(name)
		if err != nil {
			continue
		}
		out = append(out, s.summary(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /projects/{name}
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.Registry.GetProject(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	commands := make([]string, 0, len(p.Commands))
	for name := range p.Commands {
		commands = append(commands, name)
	}
	sort.Strings(commands)

	detail := ProjectDetail{
		ProjectSummary: s.summary(p),
		VersionControl: p.VersionControl,
		WatchRefs:      p.WatchRefs,
		WorkDir:        p.WorkDir,
		PreBuild:       nonNil(p.PreBuild),
		Build:          nonNil(p.Build),
		PostBuild:      nonNil(p.PostBuild),
		Commands:       commands,
	}
	if p.PollInterval > 0 {
		detail.PollInterval = p.PollInterval.String()
	}
	writeJSON(w, http.StatusOK, detail)
}

// GET /projects/{name}/history?limit=N returns the newest N builds, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.Registry.History(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	records := h.Records()
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		if limit < len(records) {
			records = records[len(records)-limit:]
		}
	}
	writeJSON(w, http.StatusOK, records)
}

// POST /projects/{name}/trigger
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	queued, err := s.Dispatcher.Trigger(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if queued {
		status = http.StatusAccepted
		s.logger().Info("build requested", "project", name, "source", "api")
	}
	writeJSON(w, status, TriggerResponse{Project: name, Queued: queued, State: s.Dispatcher.State(name)})
}

// GET /ledger/verify
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.Ledger == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "ledger disabled"})
		return
	}
	status := LedgerStatus{OK: true, Entries: s.Ledger.Len(), LastHash: s.Ledger.LastHash()}
	err := s.Ledger.VerifyChain()
	if err == nil {
		err = s.Ledger.VerifyLogs()
	}
	if err != nil {
		status.OK = false
		status.Error = err.Error()
		writeJSON(w, http.StatusConflict, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) summary(p *core.Project) ProjectSummary {
	sum := ProjectSummary{
		Name:                  p.Name(),
		Enabled:               p.Enabled,
		State:                 s.Dispatcher.State(p.Name()),
		AllowConcurrentBuilds: p.AllowConcurrentBuilds,
		RepoURL:               p.RepoURL,
		Builds:                p.History.Len(),
	}
	if last, ok := p.History.Latest(); ok {
		last.Log = ""
		sum.LastBuild = &last
	}
	return sum
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrUnknownProject):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrDispatcherStopped), errors.Is(err, core.ErrSchedulerInvariant):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger().Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
