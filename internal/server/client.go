package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"autobuild/internal/core"
)

// Client talks to a running daemon.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the daemon at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: http.DefaultClient}
}

// APIError is a non-2xx daemon response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// Is maps status codes back onto the core sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case core.ErrUnknownProject:
		return e.Status == http.StatusNotFound
	case core.ErrDispatcherStopped:
		return e.Status == http.StatusServiceUnavailable
	}
	return false
}

// Trigger requests a build of project.
func (c *Client) Trigger(ctx context.Context, project string) (TriggerResponse, error) {
	var out TriggerResponse
	err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(project)+"/trigger", nil, &out)
	return out, err
}

// Projects lists configured projects.
func (c *Client) Projects(ctx context.Context) ([]ProjectSummary, error) {
	var out []ProjectSummary
	err := c.do(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

// Project returns one project's configuration and state.
func (c *Client) Project(ctx context.Context, project string) (ProjectDetail, error) {
	var out ProjectDetail
	err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(project), nil, &out)
	return out, err
}

// History returns up to limit recent builds of project; limit <= 0 means all.
func (c *Client) History(ctx context.Context, project string, limit int) ([]core.BuildRecord, error) {
	path := "/projects/" + url.PathEscape(project) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []core.BuildRecord
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Queue returns the dispatcher state.
func (c *Client) Queue(ctx context.Context) (QueueStatus, error) {
	var out QueueStatus
	err := c.do(ctx, http.MethodGet, "/queue", nil, &out)
	return out, err
}

// Push delivers a push notification as the webhook endpoint expects it.
func (c *Client) Push(ctx context.Context, event PushEvent) (PushResponse, error) {
	var out PushResponse
	err := c.do(ctx, http.MethodPost, "/hooks/push", event, &out)
	return out, err
}

// VerifyLedger asks the daemon to verify its ledger. A failed verification
// is returned in the status, not as an error.
func (c *Client) VerifyLedger(ctx context.Context) (LedgerStatus, error) {
	var out LedgerStatus
	err := c.do(ctx, http.MethodGet, "/ledger/verify", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return out, nil
	}
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var eb errorBody
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		if resp.StatusCode == http.StatusConflict && out != nil {
			_ = json.Unmarshal(data, out)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
