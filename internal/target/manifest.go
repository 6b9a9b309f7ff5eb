package target

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

// ManifestPath is where the last detection is persisted, relative to the
// project root.
const ManifestPath = ".peep/deploy-target.json"

// WriteManifest persists det next to the checkout. The write goes through a
// temporary file so a reader never sees a partial manifest.
func WriteManifest(dir string, det domain.TargetDetection) error {
	path := filepath.Join(dir, filepath.FromSlash(ManifestPath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	data, err := json.MarshalIndent(det, "", "  ")
	if err != nil {
		return fmt.Errorf("encode target manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write target manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit target manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the persisted detection. A missing manifest returns
// domain.ErrNotFound.
func ReadManifest(dir string) (domain.TargetDetection, error) {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(ManifestPath)))
	if os.IsNotExist(err) {
		return domain.TargetDetection{}, fmt.Errorf("target manifest: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.TargetDetection{}, fmt.Errorf("read target manifest: %w", err)
	}
	var det domain.TargetDetection
	if err := json.Unmarshal(data, &det); err != nil {
		return domain.TargetDetection{}, fmt.Errorf("decode target manifest: %w", err)
	}
	return det, nil
}
