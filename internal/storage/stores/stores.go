// Package stores opens the blob store selected by configuration.
package stores

import (
	"context"
	"fmt"

	"github.com/splax/localvercel/pipeline/internal/storage"
	"github.com/splax/localvercel/pipeline/internal/storage/filesystem"
	"github.com/splax/localvercel/pipeline/internal/storage/gcs"
	"github.com/splax/localvercel/pipeline/internal/storage/minio"
	"github.com/splax/localvercel/pipeline/pkg/config"
)

// Open returns the storage.Client for cfg.StorageBackend. Stores holding
// network clients also implement io.Closer.
func Open(ctx context.Context, cfg config.PipelineConfig) (storage.Client, error) {
	switch cfg.StorageBackend {
	case "minio":
		store, err := minio.New(ctx, minio.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.StorageBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.StoragePublic,
		})
		if err != nil {
			return nil, fmt.Errorf("open minio storage: %w", err)
		}
		return store, nil
	case "gcs":
		store, err := gcs.New(ctx, gcs.Config{
			Bucket:          cfg.StorageBucket,
			CredentialsFile: cfg.GCSCredentials,
			PublicURL:       cfg.StoragePublic,
		})
		if err != nil {
			return nil, fmt.Errorf("open gcs storage: %w", err)
		}
		return store, nil
	case "filesystem", "":
		store, err := filesystem.New(cfg.StorageRoot, cfg.StoragePublic)
		if err != nil {
			return nil, fmt.Errorf("open filesystem storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
