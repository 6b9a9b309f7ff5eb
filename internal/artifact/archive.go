package artifact

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/splax/localvercel/pipeline/internal/fsutil"
)

// ErrTooLarge reports that the archive passed the hard size limit. The
// upload is skipped; the deploy is unaffected.
var ErrTooLarge = errors.New("artifact exceeds maximum size")

var epoch = time.Unix(0, 0).UTC()

type limitWriter struct {
	w     io.Writer
	n     int64
	limit int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.limit > 0 && l.n+int64(len(p)) > l.limit {
		return 0, ErrTooLarge
	}
	n, err := l.w.Write(p)
	l.n += int64(n)
	return n, err
}

// ArchiveStats describes a written archive.
type ArchiveStats struct {
	Size     int64
	Checksum string
	Files    int
}

// WriteArchive streams a gzip-compressed tar of dir into w. Entries are
// sorted and carry no timestamps or ownership, so an unchanged directory
// always produces the same bytes. A positive limit aborts with ErrTooLarge
// once the compressed size passes it.
func WriteArchive(ctx context.Context, dir string, w io.Writer, limit int64) (ArchiveStats, error) {
	hasher := sha256.New()
	counter := &limitWriter{w: io.MultiWriter(w, hasher), limit: limit}
	gz, err := gzip.NewWriterLevel(counter, gzip.BestCompression)
	if err != nil {
		return ArchiveStats{}, err
	}
	tw := tar.NewWriter(gz)

	files := 0
	walkErr := walkSorted(dir, "", func(rel string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		full := filepath.Join(dir, filepath.FromSlash(rel))
		hdr := &tar.Header{
			Name:    rel,
			Mode:    int64(info.Mode().Perm()),
			ModTime: epoch,
			Format:  tar.FormatPAX,
		}
		switch {
		case info.IsDir():
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
			return tw.WriteHeader(hdr)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(full)
			if err != nil {
				return err
			}
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = filepath.ToSlash(link)
			return tw.WriteHeader(hdr)
		case info.Mode().IsRegular():
			hdr.Typeflag = tar.TypeReg
			hdr.Size = info.Size()
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(full)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			files++
			return err
		}
		return nil
	})
	if walkErr != nil {
		return ArchiveStats{}, walkErr
	}
	if err := tw.Close(); err != nil {
		return ArchiveStats{}, err
	}
	if err := gz.Close(); err != nil {
		return ArchiveStats{}, err
	}
	return ArchiveStats{Size: counter.n, Checksum: hex.EncodeToString(hasher.Sum(nil)), Files: files}, nil
}

func walkSorted(root, rel string, fn func(rel string, info fs.FileInfo) error) error {
	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		name := entry.Name()
		if excluded(name, entry.IsDir()) {
			continue
		}
		child := name
		if rel != "" {
			child = rel + "/" + name
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if err := fn(child, info); err != nil {
			return err
		}
		if entry.IsDir() {
			if err := walkSorted(root, child, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func excluded(name string, isDir bool) bool {
	if isDir {
		return fsutil.SkipDirs[name]
	}
	return fsutil.IsEnvFile(name)
}

// extractArchive unpacks r into dest. Entries that would land outside dest
// are rejected.
func extractArchive(ctx context.Context, r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()
	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if name == "" || filepath.IsAbs(name) {
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(name))
		if !fsutil.Within(root, target) {
			return fmt.Errorf("invalid file path: '%s'", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			mode := fs.FileMode(hdr.Mode).Perm() | 0o600
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(hdr.Linkname))
			if filepath.IsAbs(hdr.Linkname) || !fsutil.Within(root, resolved) {
				return fmt.Errorf("symlink %s escapes archive root", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}
