// Package minio stores blobs in an S3-compatible bucket.
package minio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/splax/localvercel/pipeline/internal/storage"
)

// Config configures the S3 client.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL prefixes object URLs. Defaults to the endpoint.
	PublicURL string
}

// Store is a storage.Client over minio-go.
type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// New connects and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio endpoint and bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	public := strings.TrimRight(cfg.PublicURL, "/")
	if public == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		public = scheme + "://" + cfg.Endpoint + "/" + cfg.Bucket
	}
	return &Store{client: client, bucket: cfg.Bucket, publicURL: public}, nil
}

// Upload puts localPath at key.
func (s *Store) Upload(ctx context.Context, localPath, key string, opts storage.UploadOptions) (storage.UploadResult, error) {
	key = storage.CleanKey(key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeFor(localPath)
	}
	info, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: opts.CacheControl,
	})
	if err != nil {
		return storage.UploadResult{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return storage.UploadResult{Key: key, URL: s.publicURL + "/" + key, Size: info.Size}, nil
}

// Download fetches key into destPath.
func (s *Store) Download(ctx context.Context, key, destPath string) error {
	key = storage.CleanKey(key)
	if err := s.client.FGetObject(ctx, s.bucket, key, destPath, minio.GetObjectOptions{}); err != nil {
		return s.mapErr(key, err)
	}
	return nil
}

// Stat reports the stored size of key.
func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	key = storage.CleanKey(key)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, s.mapErr(key, err)
	}
	return storage.ObjectInfo{Key: key, Size: info.Size}, nil
}

func (s *Store) mapErr(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return storage.NotFound(key)
	}
	return fmt.Errorf("object %s: %w", key, err)
}
