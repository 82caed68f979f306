package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
)

// Builder ties together Registry + Resolver + ProcessRunner + history sinks
// and runs the three-phase build pipeline for one project.
type Builder struct {
	Registry *Registry
	Resolver *Resolver
	Runner   ProcessRunner
	Sinks    []HistorySink
	// ProjectRoot is the parent of per-project work dirs for projects
	// that do not set WorkDir.
	ProjectRoot string
	Logger      *slog.Logger
}

// NewBuilder creates a builder resolving global commands through registry.
func NewBuilder(registry *Registry, runner ProcessRunner, projectRoot string, logger *slog.Logger, sinks ...HistorySink) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		Registry:    registry,
		Resolver:    NewResolver(registry),
		Runner:      runner,
		Sinks:       sinks,
		ProjectRoot: projectRoot,
		Logger:      logger,
	}
}

// RunBuild executes PreBuild, Build and PostBuild for the named project and
// records the locked status in its history. Failures inside the build are
// captured in the returned status; the only error is an unknown project.
func (b *Builder) RunBuild(ctx context.Context, name string) (*BuildStatus, error) {
	project, err := b.Registry.GetProject(name)
	if err != nil {
		return nil, err
	}

	status := NewBuildStatus(name)
	logger := b.Logger.With("project", name, "build", status.ID())
	logger.Info("build started")
	status.Append(fmt.Sprintf("build %s of %s started at %s", status.ID(), name, status.Timestamp().Format(time.RFC3339)))

	result := b.execute(ctx, project, status, logger)
	status.SetResult(result)
	status.Append(fmt.Sprintf("result: %s", result))

	b.record(project, status, logger)
	logger.Info("build finished", "result", result, "elapsed", time.Since(status.Timestamp()).Round(time.Millisecond))
	return status, nil
}

// WorkDir returns the directory builds of project run in.
func (b *Builder) WorkDir(project *Project) string {
	if project.WorkDir != "" {
		return project.WorkDir
	}
	return filepath.Join(b.ProjectRoot, project.Name())
}

func (b *Builder) execute(ctx context.Context, project *Project, status *BuildStatus, logger *slog.Logger) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("build panicked", "panic", r)
			status.Append(fmt.Sprintf("internal error: %v\n%s", r, debug.Stack()))
			result = ResultError
		}
	}()

	workDir := b.WorkDir(project)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		status.Append(fmt.Sprintf("cannot prepare work dir %s: %v", workDir, err))
		return ResultError
	}

	for _, phase := range Phases {
		if !b.runPhase(ctx, project, phase, workDir, status, logger) {
			return phase.FailureResult()
		}
	}
	return ResultSuccess
}

// runPhase runs every command of phase in order and stops at the first failure.
func (b *Builder) runPhase(ctx context.Context, project *Project, phase Phase, workDir string, status *BuildStatus, logger *slog.Logger) bool {
	for _, name := range project.Steps(phase) {
		script, err := b.Resolver.Resolve(project, name)
		if err != nil {
			logger.Warn("command not resolved", "phase", phase, "command", name)
			status.Append(fmt.Sprintf("== %s: %s\n%v", phase, name, err))
			return false
		}

		start := time.Now()
		code, output, err := b.Runner.Execute(ctx, script.Lines, workDir)
		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			logger.Warn("command could not run", "phase", phase, "command", name, "error", err)
			status.Append(fmt.Sprintf("== %s: %s (not completed after %s)\n%s%v", phase, name, elapsed, output, err))
			return false
		}
		status.Append(fmt.Sprintf("== %s: %s (exit %d after %s)\n%s", phase, name, code, elapsed, output))
		if code != 0 {
			logger.Info("command failed", "phase", phase, "command", name, "exit_code", code)
			return false
		}
	}
	return true
}

// record is the terminal action of a build: lock, append to the project's
// history, then hand the status to every sink.
func (b *Builder) record(project *Project, status *BuildStatus, logger *slog.Logger) {
	project.History.Append(status)
	for _, sink := range b.Sinks {
		if err := sink.Append(project.Name(), status); err != nil {
			logger.Error("history sink append failed", "error", err)
		}
	}
}
