// Package client talks to the pipeline worker's internal HTTP API.
package client

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
	"time"

	"github.com/splax/localvercel/pipeline/internal/artifact"
	"github.com/splax/localvercel/pipeline/internal/domain"
)

// Client provides typed access to the pipeline API for operator tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:5050"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid pipeline base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("pipeline request failed with status %d", e.Status)
	}
	return fmt.Sprintf("pipeline request failed (%d): %s", e.Status, e.Message)
}

// IsConflict reports whether err is a 409 from the API.
func IsConflict(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Enqueue submits a deploy job.
func (c *Client) Enqueue(ctx context.Context, job domain.DeployJob) error {
	return c.do(ctx, http.MethodPost, "/jobs", job, nil)
}

// Job fetches the run record of a build.
func (c *Client) Job(ctx context.Context, buildID string) (domain.JobRun, error) {
	var run domain.JobRun
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(buildID), nil, &run)
	return run, err
}

// Rollback redeploys targetVersionID of projectID. An empty newVersionID
// lets the server allocate one.
func (c *Client) Rollback(ctx context.Context, userID, projectID, targetVersionID, newVersionID string) (domain.Deployed, error) {
	body := map[string]string{
		"userId":          userID,
		"targetVersionId": targetVersionID,
	}
	if newVersionID != "" {
		body["newVersionId"] = newVersionID
	}
	var res domain.Deployed
	err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/rollback", body, &res)
	return res, err
}

// Versions lists the newest versions of a project.
func (c *Client) Versions(ctx context.Context, projectID string, limit int) ([]domain.Version, error) {
	path := "/projects/" + url.PathEscape(projectID) + "/versions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var payload struct {
		Versions []domain.Version `json:"versions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Versions, nil
}

// Drift compares a checkout on the worker host with the published artifact.
func (c *Client) Drift(ctx context.Context, projectID, projectPath string) (artifact.Drift, error) {
	var drift artifact.Drift
	path := "/projects/" + url.PathEscape(projectID) + "/drift?path=" + url.QueryEscape(projectPath)
	err := c.do(ctx, http.MethodGet, path, nil, &drift)
	return drift, err
}
