// Package gcs stores blobs in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	blob "github.com/splax/localvercel/pipeline/internal/storage"
)

// Config configures the GCS client.
type Config struct {
	Bucket          string
	CredentialsFile string
	PublicURL       string
}

// Store is a storage.Client over a GCS bucket.
type Store struct {
	client    *storage.Client
	bucket    *storage.BucketHandle
	publicURL string
}

// New creates the client. Application default credentials are used when no
// credentials file is configured.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	public := strings.TrimRight(cfg.PublicURL, "/")
	if public == "" {
		public = "https://storage.googleapis.com/" + cfg.Bucket
	}
	return &Store{client: client, bucket: client.Bucket(cfg.Bucket), publicURL: public}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Upload streams localPath to key.
func (s *Store) Upload(ctx context.Context, localPath, key string, opts blob.UploadOptions) (blob.UploadResult, error) {
	key = blob.CleanKey(key)
	f, err := os.Open(localPath)
	if err != nil {
		return blob.UploadResult{}, err
	}
	defer f.Close()

	w := s.bucket.Object(key).NewWriter(ctx)
	w.ContentType = opts.ContentType
	if w.ContentType == "" {
		w.ContentType = blob.ContentTypeFor(localPath)
	}
	w.CacheControl = opts.CacheControl
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return blob.UploadResult{}, fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return blob.UploadResult{}, fmt.Errorf("failed to finalize object %s: %w", key, err)
	}
	var size int64
	if attrs := w.Attrs(); attrs != nil {
		size = attrs.Size
	}
	return blob.UploadResult{Key: key, URL: s.publicURL + "/" + key, Size: size}, nil
}

// Download copies key to destPath.
func (s *Store) Download(ctx context.Context, key, destPath string) error {
	key = blob.CleanKey(key)
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return mapErr(key, err)
	}
	defer r.Close()
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return out.Close()
}

// Stat reports the stored size of key.
func (s *Store) Stat(ctx context.Context, key string) (blob.ObjectInfo, error) {
	key = blob.CleanKey(key)
	attrs, err := s.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return blob.ObjectInfo{}, mapErr(key, err)
	}
	return blob.ObjectInfo{Key: key, Size: attrs.Size}, nil
}

func mapErr(key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return blob.NotFound(key)
	}
	return fmt.Errorf("object %s: %w", key, err)
}
