// Package docker wraps the Docker Engine SDK for the node-worker lane: image
// builds from a project directory and single-container launches.
package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
)

// ErrNotInitialized is returned by methods called on a nil client.
var ErrNotInitialized = errors.New("docker client not initialized")

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
	// publishHost replaces wildcard host IPs in preview URLs.
	publishHost string
}

// New creates a Docker client from the environment, optionally pinned to
// host. publishHost is the address previews are reachable on.
func New(host, publishHost string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if publishHost == "" {
		publishHost = "127.0.0.1"
	}
	return &Client{inner: inner, publishHost: publishHost}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return errors.New("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
