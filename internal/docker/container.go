package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// RunSpec describes a container launch.
type RunSpec struct {
	Name    string
	Image   string
	Command []string
	Env     []string
	Port    int
	Labels  map[string]string
}

// Container is a started container and its resolved port bindings.
type Container struct {
	ID    string
	Ports nat.PortMap
}

// Run replaces any container with the same name and starts a new one with
// its port published on an ephemeral loopback port.
func (c *Client) Run(ctx context.Context, spec RunSpec) (Container, error) {
	if c == nil || c.inner == nil {
		return Container{}, ErrNotInitialized
	}
	if strings.TrimSpace(spec.Name) == "" || strings.TrimSpace(spec.Image) == "" {
		return Container{}, errors.New("container name and image are required")
	}
	if err := c.Remove(ctx, spec.Name); err != nil {
		return Container{}, err
	}
	port, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.Port))
	if err != nil {
		return Container{}, fmt.Errorf("container port: %w", err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings:  nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1"}}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return Container{}, fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Container{}, fmt.Errorf("container start: %w", err)
	}

	var inspect types.ContainerJSON
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err = c.inner.ContainerInspect(ctx, created.ID)
		if err != nil {
			return Container{}, fmt.Errorf("container inspect: %w", err)
		}
		if inspect.State != nil && !inspect.State.Running && inspect.State.ExitCode != 0 {
			return Container{}, fmt.Errorf("container exited with code %d", inspect.State.ExitCode)
		}
		if hasHostPort(inspect.NetworkSettings) {
			break
		}
		select {
		case <-ctx.Done():
			return Container{}, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	out := Container{ID: created.ID, Ports: nat.PortMap{}}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.Ports != nil {
		out.Ports = inspect.NetworkSettings.Ports
	}
	return out, nil
}

// URL returns the preview URL for port on ctr, or "" when unpublished.
func (c *Client) URL(ctr Container, port int) string {
	bindings := ctr.Ports[nat.Port(fmt.Sprintf("%d/tcp", port))]
	if len(bindings) == 0 || bindings[0].HostPort == "" {
		return ""
	}
	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" || host == "127.0.0.1" {
		host = c.publishHost
	}
	return fmt.Sprintf("http://%s:%s", host, bindings[0].HostPort)
}

// Remove force-removes a container by name; a missing container is fine.
func (c *Client) Remove(ctx context.Context, name string) error {
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func hasHostPort(settings *types.NetworkSettings) bool {
	if settings == nil {
		return false
	}
	for _, bindings := range settings.Ports {
		for _, b := range bindings {
			if strings.TrimSpace(b.HostPort) != "" {
				return true
			}
		}
	}
	return false
}
