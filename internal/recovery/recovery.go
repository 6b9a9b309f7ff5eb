// Package recovery forwards stage failures to an auto-remediation service.
package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// Context identifies where a failure happened.
type Context struct {
	Stage     string   `json:"stage"`
	ProjectID string   `json:"projectId"`
	UserID    string   `json:"userId"`
	BuildID   string   `json:"buildId"`
	VersionID string   `json:"versionId,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
	Output    string   `json:"output,omitempty"`
}

// Reporter receives stage failures. Implementations may fail; callers treat
// reporting as advisory.
type Reporter interface {
	ReportError(ctx context.Context, err error, rc Context) error
}

type report struct {
	Context
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurredAt"`
}

// HTTPReporter posts failures as JSON to a remediation endpoint.
type HTTPReporter struct {
	endpoint string
	token    string
	client   *http.Client
	now      func() time.Time
}

// NewHTTPReporter builds a reporter posting to endpoint.
func NewHTTPReporter(endpoint, token string, client *http.Client) (*HTTPReporter, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("recovery endpoint required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &HTTPReporter{endpoint: endpoint, token: strings.TrimSpace(token), client: client, now: time.Now}, nil
}

func (r *HTTPReporter) ReportError(ctx context.Context, err error, rc Context) error {
	if err == nil {
		return nil
	}
	body, mErr := json.Marshal(report{Context: rc, Error: err.Error(), OccurredAt: r.now().UTC()})
	if mErr != nil {
		return fmt.Errorf("marshal recovery report: %w", mErr)
	}
	req, rErr := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if rErr != nil {
		return fmt.Errorf("build recovery request: %w", rErr)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, dErr := r.client.Do(req)
	if dErr != nil {
		return fmt.Errorf("send recovery report: %w", dErr)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		summary := strings.TrimSpace(string(buf))
		if summary == "" {
			summary = resp.Status
		}
		return fmt.Errorf("recovery report rejected: %s", summary)
	}
	return nil
}

// LogReporter only logs failures.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportError(ctx context.Context, err error, rc Context) error {
	r.logger.ErrorContext(ctx, "stage failed",
		"stage", rc.Stage,
		"build_id", rc.BuildID,
		"project_id", rc.ProjectID,
		"user_id", rc.UserID,
		"reasons", rc.Reasons,
		"error", err,
	)
	return nil
}
