package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"autobuild/internal/core"
)

// Client runs command scripts on a remote agent. It implements
// core.ProcessRunner.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the agent at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: http.DefaultClient}
}

// Execute sends the script to the agent and waits for its result.
func (c *Client) Execute(ctx context.Context, lines []string, workDir string) (int, string, error) {
	body, err := json.Marshal(RunRequest{Lines: lines, WorkDir: workDir})
	if err != nil {
		return -1, "", &core.ProcessError{WorkDir: workDir, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return -1, "", &core.ProcessError{WorkDir: workDir, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return -1, "", &core.ProcessError{WorkDir: workDir, Err: fmt.Errorf("agent %s: %w", c.BaseURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return -1, "", &core.ProcessError{WorkDir: workDir, Err: fmt.Errorf("agent %s: %s: %s", c.BaseURL, resp.Status, strings.TrimSpace(string(msg)))}
	}

	var out RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return -1, "", &core.ProcessError{WorkDir: workDir, Err: fmt.Errorf("decode agent response: %w", err)}
	}
	if out.Error != "" {
		return out.ExitCode, out.Output, &core.ProcessError{WorkDir: workDir, Err: errors.New(out.Error)}
	}
	return out.ExitCode, out.Output, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

var _ core.ProcessRunner = (*Client)(nil)
