package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"autobuild/internal/core"
	"autobuild/internal/logging"
)

// RunRequest asks the agent to run one command script.
type RunRequest struct {
	Command string   `json:"command,omitempty"`
	Lines   []string `json:"lines"`
	WorkDir string   `json:"work_dir"`
}

// RunResponse reports how the script ended. Error is set only when the
// script could not be started or completed.
type RunResponse struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	AgentID  string `json:"agent_id"`
	Elapsed  string `json:"elapsed"`
}

// Handler serves the agent API on top of a local runner.
type Handler struct {
	ID     string
	Runner core.ProcessRunner
	Logger *slog.Logger
}

// Routes builds the agent router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "agent_id": h.ID})
	})
	r.Post("/run", h.handleRun)
	return r
}

// POST /run
func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	logger := logging.Ensure(h.Logger)

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.WorkDir == "" {
		http.Error(w, "work_dir is required", http.StatusBadRequest)
		return
	}

	logger.Info("running script", "command", req.Command, "work_dir", req.WorkDir, "lines", len(req.Lines))
	start := time.Now()
	resp := RunResponse{ExitCode: -1, AgentID: h.ID}
	// The daemon prepares work dirs on its own host only.
	err := os.MkdirAll(req.WorkDir, 0o755)
	if err == nil {
		resp.ExitCode, resp.Output, err = h.Runner.Execute(r.Context(), req.Lines, req.WorkDir)
	}
	resp.Elapsed = time.Since(start).Round(time.Millisecond).String()
	if err != nil {
		logger.Warn("script did not complete", "command", req.Command, "error", err)
		// The client wraps the cause in its own ProcessError.
		var procErr *core.ProcessError
		if errors.As(err, &procErr) {
			err = procErr.Err
		}
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
