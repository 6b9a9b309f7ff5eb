package buildcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/localvercel/pipeline/internal/framework"
	"github.com/splax/localvercel/pipeline/internal/fsutil"
)

// Key derives the cache key. Changing any argument yields a different key.
func Key(identity, fw, buildCommand string) string {
	h := sha256.New()
	for _, part := range []string{identity, fw, buildCommand} {
		fmt.Fprintf(h, "%d:%s;", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Identity names the project state a build ran against.
func Identity(projectID, sourceDigest string) string {
	return projectID + ":" + sourceDigest
}

// SourceDigest hashes relative paths and contents of the project sources,
// ignoring dependency, VCS and build output directories.
func SourceDigest(dir string) (string, error) {
	outputs := make(map[string]bool, len(framework.OutputDirNames))
	for _, name := range framework.OutputDirNames {
		// "public" holds sources for most frameworks
		if name != "public" {
			outputs[filepath.FromSlash(name)] = true
		}
	}
	h := sha256.New()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if fsutil.SkipDirs[d.Name()] || outputs[rel] || strings.HasPrefix(d.Name(), ".cache") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("digest sources: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
