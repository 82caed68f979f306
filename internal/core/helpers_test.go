package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// fakeRunner fails any script containing a line "exit N" with code N and
// records the first line of every script it runs.
type fakeRunner struct {
	mu    sync.Mutex
	ran   []string
	block chan struct{}
}

func (f *fakeRunner) Execute(ctx context.Context, lines []string, workDir string) (int, string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return -1, "", &ProcessError{WorkDir: workDir, Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	if len(lines) > 0 {
		f.ran = append(f.ran, lines[0])
	}
	f.mu.Unlock()

	for _, line := range lines {
		var code int
		if _, err := fmt.Sscanf(line, "exit %d", &code); err == nil {
			return code, "exited\n", nil
		}
		if line == "crash" {
			return -1, "", &ProcessError{WorkDir: workDir, Err: io.ErrUnexpectedEOF}
		}
	}
	return 0, strings.Join(lines, "\n") + "\n", nil
}

func (f *fakeRunner) Ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
