package deployer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/fsutil"
	"github.com/splax/localvercel/pipeline/internal/storage"
)

// StaticBackend uploads every file of the output directory to blob storage.
type StaticBackend struct {
	store       storage.Client
	publicURL   string
	concurrency int
}

// NewStaticBackend constructs a StaticBackend. publicURL, when set, is the
// base the site prefix is served from; otherwise the store's URLs are used.
func NewStaticBackend(store storage.Client, publicURL string) *StaticBackend {
	return &StaticBackend{store: store, publicURL: strings.TrimRight(publicURL, "/"), concurrency: 8}
}

func (*StaticBackend) Lane() domain.Lane { return domain.LaneStatic }

// SitePrefix is the key prefix a version's files are stored under.
func SitePrefix(projectID, versionID string) string {
	return path.Join("sites", projectID, versionID)
}

func (s *StaticBackend) Deploy(ctx context.Context, req Request) (BackendResult, error) {
	root := req.OutputDir
	if root == "" {
		return BackendResult{}, errors.New("output directory required")
	}
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && fsutil.SkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || fsutil.IsEnvFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return BackendResult{}, fmt.Errorf("walk output: %w", err)
	}
	if len(files) == 0 {
		return BackendResult{}, errors.New("output directory is empty")
	}

	prefix := SitePrefix(req.ProjectID, req.VersionID)
	urls := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, rel := range files {
		g.Go(func() error {
			local := filepath.Join(root, filepath.FromSlash(rel))
			res, err := s.store.Upload(gctx, local, prefix+"/"+rel, storage.UploadOptions{
				ContentType:  storage.ContentTypeFor(rel),
				CacheControl: cacheControl(rel),
			})
			if err != nil {
				return fmt.Errorf("upload %s: %w", rel, err)
			}
			urls[i] = strings.TrimSuffix(res.URL, rel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BackendResult{}, err
	}
	if req.OnLine != nil {
		req.OnLine(fmt.Sprintf("uploaded %d files to %s", len(files), prefix))
	}

	base := urls[0]
	if s.publicURL != "" {
		base = s.publicURL + "/" + prefix + "/"
	}
	return BackendResult{URL: base, DeploymentID: req.DeploymentID}, nil
}

func cacheControl(rel string) string {
	if strings.HasSuffix(rel, ".html") {
		return "no-cache"
	}
	return "public, max-age=31536000, immutable"
}
