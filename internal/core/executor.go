package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ProcessRunner executes a command script in workDir and returns its exit
// code and combined stdout/stderr. A non-zero exit is not an error; err is
// reserved for scripts that could not be started or completed.
type ProcessRunner interface {
	Execute(ctx context.Context, lines []string, workDir string) (exitCode int, output string, err error)
}

// ShellRunner runs scripts through a local shell. Each call writes its own
// temp script file and output buffer, so one runner can serve concurrent builds.
type ShellRunner struct {
	Shell     string
	ShellArgs []string
	// Timeout bounds a single script. Zero means no limit.
	Timeout time.Duration
	TempDir string
}

// NewShellRunner returns a runner using `sh -e`.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{
		Shell:     "sh",
		ShellArgs: []string{"-e"},
	}
}

// Execute writes lines to a temp script and runs it inside workDir.
func (e *ShellRunner) Execute(ctx context.Context, lines []string, workDir string) (int, string, error) {
	script, err := e.writeScript(lines)
	if err != nil {
		return -1, "", &ProcessError{WorkDir: workDir, Err: err}
	}
	defer os.Remove(script)

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	args := append(append([]string(nil), e.ShellArgs...), script)
	cmd := exec.CommandContext(ctx, shell, args...)
	cmd.Dir = workDir
	// Children that inherit the output pipe must not hold Wait open forever.
	cmd.WaitDelay = 2 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	if err == nil {
		return 0, out.String(), nil
	}
	if ctx.Err() != nil {
		return -1, out.String(), &ProcessError{WorkDir: workDir, Err: fmt.Errorf("%w: %v", ctx.Err(), err)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode(), out.String(), nil
	}
	return -1, out.String(), &ProcessError{WorkDir: workDir, Err: err}
}

func (e *ShellRunner) writeScript(lines []string) (string, error) {
	f, err := os.CreateTemp(e.TempDir, "autobuild-*.sh")
	if err != nil {
		return "", fmt.Errorf("create script file: %w", err)
	}
	body := strings.Join(lines, "\n") + "\n"
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write script file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close script file: %w", err)
	}
	return f.Name(), nil
}
