package deployer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/localvercel/pipeline/internal/docker"
	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/framework"
	"github.com/splax/localvercel/pipeline/internal/manifest"
	"github.com/splax/localvercel/pipeline/internal/runner"
	"github.com/splax/localvercel/pipeline/internal/runtime/kubernetes"
)

const (
	nodeAppPort      = 3000
	defaultNodeImage = "node:20-bullseye"
)

// ImageBuilder builds a container image from a directory.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string, onOutput func(string)) error
}

// Launch describes a container to start from a built image.
type Launch struct {
	DeploymentID string
	ProjectID    string
	VersionID    string
	Image        string
	Command      []string
	Port         int
}

// Launcher starts a built image and returns its URL.
type Launcher interface {
	Launch(ctx context.Context, l Launch) (string, error)
}

// NodeBackend serves projects that need a Node.js server: the project is
// built into an image and started by a Launcher.
type NodeBackend struct {
	images    ImageBuilder
	launcher  Launcher
	registry  string
	baseImage string
}

// NewNodeBackend constructs a NodeBackend.
func NewNodeBackend(images ImageBuilder, launcher Launcher, registry, baseImage string) *NodeBackend {
	if baseImage == "" {
		baseImage = defaultNodeImage
	}
	return &NodeBackend{images: images, launcher: launcher, registry: strings.TrimSuffix(registry, "/"), baseImage: baseImage}
}

func (*NodeBackend) Lane() domain.Lane { return domain.LaneNodeWorker }

// ImageTag names the image for a version.
func (n *NodeBackend) ImageTag(projectID, versionID string) string {
	registry := n.registry
	if registry == "" {
		registry = "local"
	}
	return fmt.Sprintf("%s/%s:%s", registry, strings.ToLower(projectID), strings.ToLower(versionID))
}

func (n *NodeBackend) Deploy(ctx context.Context, req Request) (BackendResult, error) {
	if n.images == nil || n.launcher == nil {
		return BackendResult{}, errors.New("node runtime not configured")
	}
	dir := req.ProjectDir
	if dir == "" {
		return BackendResult{}, errors.New("project directory required")
	}
	m, _ := manifest.Load(dir)
	start := req.StartCommand
	if start == "" {
		start = StartCommand(m, req.Framework, req.PackageManager)
	}
	command, err := runner.ParseCommand(start)
	if err != nil {
		return BackendResult{}, fmt.Errorf("parse start command: %w", err)
	}
	if err := EnsureDockerfile(dir, n.baseImage, req.PackageManager, req.BuildCommand, req.Framework); err != nil {
		return BackendResult{}, err
	}

	tag := n.ImageTag(req.ProjectID, req.VersionID)
	if err := n.images.BuildImage(ctx, dir, tag, req.OnLine); err != nil {
		return BackendResult{}, fmt.Errorf("build image: %w", err)
	}
	url, err := n.launcher.Launch(ctx, Launch{
		DeploymentID: req.DeploymentID,
		ProjectID:    req.ProjectID,
		VersionID:    req.VersionID,
		Image:        tag,
		Command:      command,
		Port:         nodeAppPort,
	})
	if err != nil {
		return BackendResult{}, fmt.Errorf("launch %s: %w", tag, err)
	}
	return BackendResult{URL: url, DeploymentID: req.DeploymentID}, nil
}

// StartCommand picks how the server is started inside the image.
func StartCommand(m *manifest.Manifest, fw framework.Framework, pm domain.PackageManager) string {
	if pm == "" {
		pm = domain.PackageManagerNPM
	}
	if m != nil && m.Script("start") != "" {
		return string(pm) + " run start"
	}
	switch fw {
	case framework.Next:
		return "npx next start -p 3000"
	case framework.Nuxt:
		return "node .output/server/index.mjs"
	case framework.Remix:
		return "npx remix-serve build/server/index.js"
	case framework.SvelteKit:
		return "node build"
	}
	return "node index.js"
}

// EnsureDockerfile writes a Dockerfile and .dockerignore for a Node server
// unless the project already ships its own Dockerfile.
func EnsureDockerfile(dir, baseImage string, pm domain.PackageManager, buildCommand string, fw framework.Framework) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read project: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), "dockerfile") {
			return nil
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(renderNodeDockerfile(baseImage, pm, buildCommand, fw)), 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	ignore := filepath.Join(dir, ".dockerignore")
	if _, err := os.Stat(ignore); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte("node_modules\n.git\n.env\n.env.*\n.peep\n"), 0o644); err != nil {
			return fmt.Errorf("write .dockerignore: %w", err)
		}
	}
	return nil
}

func renderNodeDockerfile(baseImage string, pm domain.PackageManager, buildCommand string, fw framework.Framework) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM " + baseImage + "\n")
	b.WriteString("WORKDIR /app\n\n")
	switch pm {
	case domain.PackageManagerYarn:
		b.WriteString("COPY package.json yarn.lock* ./\n")
		b.WriteString("RUN corepack enable && (yarn install --frozen-lockfile || yarn install)\n\n")
	case domain.PackageManagerPNPM:
		b.WriteString("COPY package.json pnpm-lock.yaml* ./\n")
		b.WriteString("RUN corepack enable && (pnpm install --frozen-lockfile || pnpm install --no-frozen-lockfile)\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ] || [ -f npm-shrinkwrap.json ]; then npm ci || npm install --legacy-peer-deps; else npm install --legacy-peer-deps; fi\n\n")
	}
	b.WriteString("COPY . ./\n")
	if strings.TrimSpace(buildCommand) != "" {
		b.WriteString("RUN " + buildCommand + "\n")
	}
	b.WriteString("ENV NODE_ENV=production\n")
	if fw == framework.Next {
		b.WriteString("ENV NEXT_TELEMETRY_DISABLED=1\n")
	}
	b.WriteString(fmt.Sprintf("ENV PORT=%d\n", nodeAppPort))
	b.WriteString(fmt.Sprintf("EXPOSE %d\n", nodeAppPort))
	return b.String()
}

// DockerLauncher runs the image as a local container.
type DockerLauncher struct {
	client *docker.Client
}

// NewDockerLauncher wraps a docker client.
func NewDockerLauncher(client *docker.Client) *DockerLauncher {
	return &DockerLauncher{client: client}
}

func (d *DockerLauncher) Launch(ctx context.Context, l Launch) (string, error) {
	ctr, err := d.client.Run(ctx, docker.RunSpec{
		Name:    "peep-" + l.DeploymentID,
		Image:   l.Image,
		Command: l.Command,
		Env:     []string{fmt.Sprintf("PORT=%d", l.Port), "NODE_ENV=production"},
		Port:    l.Port,
		Labels: map[string]string{
			"peep.dev/project-id": l.ProjectID,
			"peep.dev/version-id": l.VersionID,
		},
	})
	if err != nil {
		return "", err
	}
	url := d.client.URL(ctr, l.Port)
	if url == "" {
		return "", fmt.Errorf("container %s published no host port", ctr.ID)
	}
	return url, nil
}

// KubernetesLauncher rolls the image out to a cluster.
type KubernetesLauncher struct {
	manager *kubernetes.Manager
	timeout time.Duration
}

// NewKubernetesLauncher wraps a runtime manager.
func NewKubernetesLauncher(manager *kubernetes.Manager, readyTimeout time.Duration) *KubernetesLauncher {
	return &KubernetesLauncher{manager: manager, timeout: readyTimeout}
}

func (k *KubernetesLauncher) Launch(ctx context.Context, l Launch) (string, error) {
	ep, err := k.manager.Rollout(ctx, kubernetes.Workload{
		DeploymentID: l.DeploymentID,
		ProjectID:    l.ProjectID,
		VersionID:    l.VersionID,
		Image:        l.Image,
		Command:      l.Command,
		Port:         l.Port,
		Timeout:      k.timeout,
	})
	if err != nil {
		return "", err
	}
	return ep.URL(), nil
}
