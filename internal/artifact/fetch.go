package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/splax/localvercel/pipeline/internal/storage"
)

// FetchRequest locates a stored archive. StorageKey is tried first when
// set, then every tier variant.
type FetchRequest struct {
	UserID     string
	ProjectID  string
	VersionID  string
	StorageKey string
	Checksum   string
}

// Fetch downloads, verifies and extracts an archive into dest. It returns
// the key that was found.
func Fetch(ctx context.Context, store storage.Client, req FetchRequest, dest string, tmpDir string) (string, error) {
	keys := KeyVariants(req.UserID, req.ProjectID, req.VersionID)
	if req.StorageKey != "" {
		keys = append([]string{req.StorageKey}, without(keys, req.StorageKey)...)
	}
	tmp, err := os.CreateTemp(tmpDir, "fetch-*.tar.gz")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	key, err := storage.DownloadFirst(ctx, store, keys, tmpPath)
	if err != nil {
		return "", fmt.Errorf("download artifact %s: %w", req.VersionID, err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return key, err
	}
	defer f.Close()
	if req.Checksum != "" {
		sum, err := fileChecksum(f)
		if err != nil {
			return key, err
		}
		if sum != req.Checksum {
			return key, &IntegrityError{Key: key, ExpectedChecksum: req.Checksum, ActualChecksum: sum}
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return key, err
		}
	}
	if err := extractArchive(ctx, f, dest); err != nil {
		return key, fmt.Errorf("extract artifact: %w", err)
	}
	return key, nil
}

func fileChecksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func without(keys []string, drop string) []string {
	out := keys[:0:0]
	for _, k := range keys {
		if k != drop {
			out = append(out, k)
		}
	}
	return out
}
