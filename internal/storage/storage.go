// Package storage defines the blob storage contract used for artifacts and
// static site publishing.
package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

// UploadOptions are per-object attributes.
type UploadOptions struct {
	ContentType  string
	CacheControl string
}

// UploadResult is what the store reports after an upload.
type UploadResult struct {
	Key  string
	URL  string
	Size int64
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Client is a blob store. Missing objects are reported with an error that
// matches domain.ErrNotFound.
type Client interface {
	Upload(ctx context.Context, localPath, key string, opts UploadOptions) (UploadResult, error)
	Download(ctx context.Context, key, destPath string) error
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

// NotFound wraps domain.ErrNotFound for key.
func NotFound(key string) error {
	return fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
}

// DownloadFirst tries keys in order and returns the first that exists.
func DownloadFirst(ctx context.Context, c Client, keys []string, destPath string) (string, error) {
	var errs []error
	for _, key := range keys {
		err := c.Download(ctx, key, destPath)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return "", fmt.Errorf("download %s: %w", key, err)
		}
		errs = append(errs, err)
	}
	return "", fmt.Errorf("none of %d key variants found: %w", len(keys), errors.Join(errs...))
}

// ContentTypeFor guesses the content type of path from its extension.
func ContentTypeFor(path string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// CleanKey normalises a key to forward slashes without a leading slash.
func CleanKey(key string) string {
	return strings.TrimLeft(filepath.ToSlash(strings.TrimSpace(key)), "/")
}
