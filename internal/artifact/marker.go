package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

// MarkerPath is where the materialized artifact is recorded, relative to
// the checkout.
const MarkerPath = ".peep/artifact.json"

// Marker records which artifact a checkout currently holds.
type Marker struct {
	VersionID string    `json:"versionId"`
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteMarker persists m in dir.
func WriteMarker(dir string, m Marker) error {
	path := filepath.Join(dir, MarkerPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadMarker loads the marker in dir, or domain.ErrNotFound.
func ReadMarker(dir string) (Marker, error) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerPath))
	if errors.Is(err, os.ErrNotExist) {
		return Marker{}, fmt.Errorf("artifact marker: %w", domain.ErrNotFound)
	}
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("decode artifact marker: %w", err)
	}
	return m, nil
}

// Drift compares a checkout against the published artifact.
type Drift struct {
	Drifted   bool                   `json:"drifted"`
	Reason    string                 `json:"reason,omitempty"`
	Local     *Marker                `json:"local,omitempty"`
	Published *domain.ArtifactRecord `json:"published,omitempty"`
}

// DetectDrift reports whether dir holds something other than published.
func DetectDrift(dir string, published *domain.ArtifactRecord) (Drift, error) {
	m, err := ReadMarker(dir)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if published == nil {
			return Drift{}, nil
		}
		return Drift{Drifted: true, Reason: "checkout has no artifact marker", Published: published}, nil
	case err != nil:
		return Drift{}, err
	}
	d := Drift{Local: &m, Published: published}
	switch {
	case published == nil:
		d.Drifted = true
		d.Reason = "no published artifact"
	case m.VersionID != published.VersionID:
		d.Drifted = true
		d.Reason = fmt.Sprintf("checkout holds version %s, published is %s", m.VersionID, published.VersionID)
	case m.Checksum != published.SHA256Checksum:
		d.Drifted = true
		d.Reason = "checksum differs from published artifact"
	}
	return d, nil
}
