package pkgmanager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/splax/localvercel/pipeline/internal/manifest"
)

const (
	defaultRegistryURL     = "https://registry.npmjs.org"
	defaultRegistryTimeout = 10 * time.Second
	verifyConcurrency      = 8

	// Public registries throttle bursts of metadata lookups from one host.
	defaultRegistryRate  = rate.Limit(20)
	defaultRegistryBurst = verifyConcurrency
)

// Verifier checks that dependencies exist before an install is attempted.
type Verifier interface {
	Verify(ctx context.Context, deps []manifest.Dependency) ([]string, error)
}

// RegistryVerifier queries an npm-compatible registry.
type RegistryVerifier struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// RegistryOption customizes a RegistryVerifier.
type RegistryOption func(*RegistryVerifier)

// WithRequestRate paces lookups to perSecond with the given burst. It is
// shared by every Verify call on the verifier.
func WithRequestRate(perSecond float64, burst int) RegistryOption {
	return func(v *RegistryVerifier) {
		v.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// NewRegistryVerifier returns a verifier for the registry at baseURL.
func NewRegistryVerifier(baseURL string, client *http.Client, opts ...RegistryOption) *RegistryVerifier {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultRegistryURL
	}
	if client == nil {
		client = &http.Client{Timeout: defaultRegistryTimeout}
	}
	v := &RegistryVerifier{
		baseURL: baseURL,
		client:  client,
		limiter: rate.NewLimiter(defaultRegistryRate, defaultRegistryBurst),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns the sorted names of registry dependencies the registry does
// not know. An error means the registry could not answer.
func (v *RegistryVerifier) Verify(ctx context.Context, deps []manifest.Dependency) ([]string, error) {
	var (
		mu      sync.Mutex
		missing []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	for _, dep := range deps {
		if !dep.FromRegistry() {
			continue
		}
		name := registryName(dep)
		g.Go(func() error {
			found, err := v.exists(gctx, name)
			if err != nil {
				return err
			}
			if !found {
				mu.Lock()
				missing = append(missing, name)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(missing)
	return missing, nil
}

func (v *RegistryVerifier) exists(ctx context.Context, name string) (bool, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("wait for registry slot: %w", err)
	}
	endpoint := v.baseURL + "/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.npm.install-v1+json")
	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("query registry for %s: %w", name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return false, fmt.Errorf("registry returned %s for %s", resp.Status, name)
	}
	return true, nil
}

// registryName resolves npm: aliases to the real package name.
func registryName(dep manifest.Dependency) string {
	spec := strings.TrimSpace(dep.Spec)
	if !strings.HasPrefix(spec, "npm:") {
		return dep.Name
	}
	target := strings.TrimPrefix(spec, "npm:")
	if idx := strings.LastIndex(target, "@"); idx > 0 {
		target = target[:idx]
	}
	return target
}
