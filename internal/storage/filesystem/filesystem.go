// Package filesystem stores blobs under a local directory. It backs local
// development and tests.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/splax/localvercel/pipeline/internal/fsutil"
	"github.com/splax/localvercel/pipeline/internal/storage"
)

// Store is a directory-backed storage.Client.
type Store struct {
	root      string
	publicURL string
}

// New returns a Store rooted at root. publicURL prefixes object URLs; when
// empty, file:// URLs are returned.
func New(root, publicURL string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("filesystem storage root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: abs, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (s *Store) path(key string) (string, error) {
	key = storage.CleanKey(key)
	if key == "" {
		return "", errors.New("empty key")
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if !fsutil.Within(s.root, path) {
		return "", fmt.Errorf("key %s escapes storage root", key)
	}
	return path, nil
}

// URL returns the public URL of key.
func (s *Store) URL(key string) string {
	key = storage.CleanKey(key)
	if s.publicURL == "" {
		return "file://" + filepath.Join(s.root, filepath.FromSlash(key))
	}
	return s.publicURL + "/" + key
}

// Upload copies localPath into the store.
func (s *Store) Upload(ctx context.Context, localPath, key string, _ storage.UploadOptions) (storage.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.UploadResult{}, err
	}
	dest, err := s.path(key)
	if err != nil {
		return storage.UploadResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return storage.UploadResult{}, fmt.Errorf("create object dir: %w", err)
	}
	tmp := dest + ".upload-" + uuid.NewString()
	if err := fsutil.CopyFile(localPath, tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return storage.UploadResult{}, fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return storage.UploadResult{}, fmt.Errorf("commit object: %w", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return storage.UploadResult{}, err
	}
	return storage.UploadResult{Key: storage.CleanKey(key), URL: s.URL(key), Size: info.Size()}, nil
}

// Download copies key to destPath.
func (s *Store) Download(ctx context.Context, key, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.path(key)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return storage.NotFound(key)
	}
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Stat reports the size of key.
func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.ObjectInfo{}, err
	}
	path, err := s.path(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return storage.ObjectInfo{}, storage.NotFound(key)
	}
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	return storage.ObjectInfo{Key: storage.CleanKey(key), Size: info.Size()}, nil
}
