package deployer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/splax/localvercel/pipeline/internal/artifact"
	"github.com/splax/localvercel/pipeline/internal/domain"
)

// EdgeBackend uploads the project bundle to an edge-runtime API.
type EdgeBackend struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewEdgeBackend constructs an EdgeBackend. A nil client gets a 5 minute
// timeout.
func NewEdgeBackend(endpoint, token string, client *http.Client) *EdgeBackend {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &EdgeBackend{endpoint: strings.TrimRight(endpoint, "/"), token: token, client: client}
}

func (*EdgeBackend) Lane() domain.Lane { return domain.LaneEdgeWorker }

type edgeResponse struct {
	URL          string `json:"url"`
	DeploymentID string `json:"deploymentId"`
	Error        string `json:"error"`
}

func (e *EdgeBackend) Deploy(ctx context.Context, req Request) (BackendResult, error) {
	if e.endpoint == "" {
		return BackendResult{}, errors.New("edge deploy endpoint not configured")
	}
	dir := req.ProjectDir
	if dir == "" {
		dir = req.OutputDir
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := artifact.WriteArchive(ctx, dir, pw, 0)
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/deployments", pr)
	if err != nil {
		pr.Close()
		return BackendResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/gzip")
	httpReq.Header.Set("X-Project-ID", req.ProjectID)
	httpReq.Header.Set("X-Version-ID", req.VersionID)
	httpReq.Header.Set("X-Deployment-ID", req.DeploymentID)
	httpReq.Header.Set("X-Framework", string(req.Framework))
	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return BackendResult{}, fmt.Errorf("edge deploy request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out edgeResponse
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return BackendResult{}, fmt.Errorf("edge deploy: status %d: %s", resp.StatusCode, msg)
	}
	if out.URL == "" {
		return BackendResult{}, errors.New("edge deploy: response carried no url")
	}
	return BackendResult{URL: out.URL, DeploymentID: out.DeploymentID}, nil
}
