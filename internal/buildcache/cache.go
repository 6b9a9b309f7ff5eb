// Package buildcache stores build outputs keyed by project state, framework
// and build command so an unchanged project skips its build.
package buildcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/fsutil"
)

const indexPrefix = "build-cache/"

// Lookup is the result of Get.
type Lookup struct {
	Hit   bool
	Path  string
	Entry domain.BuildCacheEntry
}

// Meta describes the build that produced an entry.
type Meta struct {
	ProjectID    string
	Framework    string
	BuildCommand string
	OutputDir    string
}

// Config configures Open.
type Config struct {
	// Root holds entry directories and, unless InMemoryIndex is set, the index.
	Root          string
	InMemoryIndex bool
	Logger        *slog.Logger
}

// Cache is a filesystem-backed build output cache indexed in BadgerDB.
type Cache struct {
	root   string
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates the cache directories and opens the index.
func Open(cfg Config) (*Cache, error) {
	if cfg.Root == "" {
		return nil, errors.New("build cache root required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, dir := range []string{"entries", "tmp"} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create build cache dir: %w", err)
		}
	}
	var opts badger.Options
	if cfg.InMemoryIndex {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Join(cfg.Root, "index"))
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open build cache index: %w", err)
	}
	return &Cache{root: cfg.Root, db: db, logger: logger, now: time.Now}, nil
}

// Close releases the index.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get looks key up. An index entry whose directory vanished counts as a miss.
func (c *Cache) Get(ctx context.Context, key string) (Lookup, error) {
	if err := ctx.Err(); err != nil {
		return Lookup{}, err
	}
	var entry domain.BuildCacheEntry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(indexPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Lookup{}, nil
	}
	if err != nil {
		return Lookup{}, fmt.Errorf("read build cache index: %w", err)
	}
	if info, statErr := os.Stat(entry.Path); statErr != nil || !info.IsDir() {
		c.logger.Warn("build cache entry missing on disk", "key", key, "path", entry.Path)
		return Lookup{}, nil
	}
	return Lookup{Hit: true, Path: entry.Path, Entry: entry}, nil
}

// Set captures sourceDir under key. The copy is staged in a temporary
// directory and swapped in with a rename so readers never see a partial entry.
func (c *Cache) Set(ctx context.Context, key, sourceDir string, meta Meta) (domain.BuildCacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.BuildCacheEntry{}, err
	}
	staging := filepath.Join(c.root, "tmp", key+"-"+uuid.NewString())
	if err := fsutil.CopyDir(sourceDir, staging); err != nil {
		_ = os.RemoveAll(staging)
		return domain.BuildCacheEntry{}, fmt.Errorf("stage build output: %w", err)
	}
	final := filepath.Join(c.root, "entries", key)
	var retired string
	if _, err := os.Stat(final); err == nil {
		retired = filepath.Join(c.root, "tmp", key+"-retired-"+uuid.NewString())
		if err := os.Rename(final, retired); err != nil {
			_ = os.RemoveAll(staging)
			return domain.BuildCacheEntry{}, fmt.Errorf("retire previous entry: %w", err)
		}
	}
	if err := os.Rename(staging, final); err != nil {
		_ = os.RemoveAll(staging)
		return domain.BuildCacheEntry{}, fmt.Errorf("commit build cache entry: %w", err)
	}
	if retired != "" {
		_ = os.RemoveAll(retired)
	}
	entry := domain.BuildCacheEntry{
		Key:          key,
		ProjectID:    meta.ProjectID,
		Framework:    meta.Framework,
		BuildCommand: meta.BuildCommand,
		OutputDir:    meta.OutputDir,
		Path:         final,
		CreatedAt:    c.now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return domain.BuildCacheEntry{}, fmt.Errorf("encode build cache entry: %w", err)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(indexPrefix+key), payload)
	}); err != nil {
		return domain.BuildCacheEntry{}, fmt.Errorf("write build cache index: %w", err)
	}
	return entry, nil
}

// Restore copies the entry for key into dest, which must not exist or be
// empty. The cached directory itself is never handed out.
func (c *Cache) Restore(ctx context.Context, key, dest string) error {
	lookup, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if !lookup.Hit {
		return fmt.Errorf("build cache %s: %w", key, domain.ErrNotFound)
	}
	if err := fsutil.CopyDir(lookup.Path, dest); err != nil {
		return fmt.Errorf("restore build cache entry: %w", err)
	}
	return nil
}

// Delete drops key from the index and removes its directory.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(indexPrefix + key))
	}); err != nil {
		return fmt.Errorf("delete build cache index: %w", err)
	}
	return os.RemoveAll(filepath.Join(c.root, "entries", key))
}
