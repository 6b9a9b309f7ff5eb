package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
)

// BuildImage builds dir with its Dockerfile and tags the result. Progress
// lines are passed to onOutput.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, onOutput func(string)) error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	if dir == "" || tag == "" {
		return errors.New("build directory and image tag are required")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{
		ExcludePatterns: []string{"node_modules", ".git", ".env", ".env.*"},
	})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := c.inner.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	return decodeBuildStream(resp.Body, onOutput)
}

func decodeBuildStream(r io.Reader, onOutput func(string)) error {
	decoder := json.NewDecoder(r)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("docker image build: %s", errMsg)
		}
		if line := strings.TrimRight(msg.render(), "\n"); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

type buildMessage struct {
	Stream      string         `json:"stream"`
	Status      string         `json:"status"`
	ID          string         `json:"id"`
	Progress    string         `json:"progress"`
	Error       string         `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux map[string]any `json:"aux"`
}

func (m buildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m buildMessage) render() string {
	switch {
	case m.Stream != "":
		return m.Stream
	case m.Status != "":
		parts := make([]string, 0, 3)
		for _, p := range []string{m.ID, m.Status, m.Progress} {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		return strings.Join(parts, " ")
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	return ""
}
