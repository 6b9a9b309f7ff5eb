package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the callback rejected the pipeline token.
var ErrUnauthorized = errors.New("progress callback unauthorized")

// ErrInvalidArgument indicates the callback rejected the payload.
var ErrInvalidArgument = errors.New("progress callback invalid argument")

// Emitter delivers progress events.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// HTTPEmitter posts events to a callback service.
type HTTPEmitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// NewHTTPEmitter creates an emitter posting to baseURL/builds/{buildId}/events.
func NewHTTPEmitter(baseURL, token string, client *http.Client) (*HTTPEmitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("progress callback base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &HTTPEmitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit sends the supplied event to the callback endpoint.
func (e *HTTPEmitter) Emit(ctx context.Context, event Event) error {
	buildID := strings.TrimSpace(event.BuildID)
	if buildID == "" {
		return errors.New("progress event requires build id")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	endpoint := e.baseURL + "/builds/" + url.PathEscape(buildID) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build progress request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Pipeline-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send progress request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	default:
		return fmt.Errorf("progress request failed: %s", summary)
	}
}

// Publisher is the fan-out side of a streaming hub.
type Publisher interface {
	Publish(topic string, payload []byte) bool
}

// HubEmitter publishes events to streaming subscribers of the build id.
type HubEmitter struct {
	hub Publisher
}

func NewHubEmitter(hub Publisher) *HubEmitter {
	return &HubEmitter{hub: hub}
}

func (e *HubEmitter) Emit(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if !e.hub.Publish(event.BuildID, payload) {
		return errors.New("event hub stopped")
	}
	return nil
}

// LogEmitter writes events to a structured logger.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	switch event.Phase {
	case PhaseWarning:
		level = slog.LevelWarn
	case PhaseError:
		level = slog.LevelError
	case PhaseProgress:
		level = slog.LevelDebug
	}
	e.logger.Log(ctx, level, "pipeline event",
		"build_id", event.BuildID,
		"project_id", event.ProjectID,
		"code", event.Code,
		"phase", event.Phase,
		"state", event.State,
		"progress", event.Progress,
		"message", event.Message,
	)
	return nil
}

// MultiEmitter emits to every delegate and joins their errors.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
