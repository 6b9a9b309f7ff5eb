// Package migrate applies the embedded goose migrations of the version and
// job run tables.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"

	"github.com/splax/localvercel/pipeline/db"
)

const defaultRunTimeout = time.Minute

// Runner applies migrations under a Postgres session lock, so replicas that
// start together apply each migration once.
type Runner struct {
	dsn  string
	fsys fs.FS
	dir  string
	log  *slog.Logger
}

// State describes one migration as reported by Status.
type State struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// New returns a runner over the embedded migrations.
func New(dsn string, log *slog.Logger) (Runner, error) {
	return NewWithFS(dsn, db.Migrations, db.MigrationsDir, log)
}

// NewWithFS returns a runner reading migrations from dir inside fsys.
func NewWithFS(dsn string, fsys fs.FS, dir string, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if fsys == nil {
		return Runner{}, errors.New("nil migrations filesystem")
	}
	if _, err := fs.Stat(fsys, dir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return Runner{}, fmt.Errorf("open migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{dsn: dsn, fsys: sub, dir: dir, log: log}, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()
	return r.withProvider(ctx, func(p *goose.Provider) error {
		results, err := p.Up(ctx)
		r.logResults(results)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		version, err := p.GetDBVersion(ctx)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		r.log.Info("schema up to date", "version", version, "applied", len(results))
		return nil
	})
}

// Status lists every known migration in version order.
func (r Runner) Status(ctx context.Context) ([]State, error) {
	var out []State
	err := r.withProvider(ctx, func(p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		out = make([]State, 0, len(statuses))
		for _, s := range statuses {
			out = append(out, State{
				Version:   s.Source.Version,
				Path:      s.Source.Path,
				Applied:   s.State == goose.StateApplied,
				AppliedAt: s.AppliedAt,
			})
		}
		return nil
	})
	return out, err
}

// Down rolls back the latest migration, or every migration above target
// when target is positive.
func (r Runner) Down(ctx context.Context, target int64) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()
	return r.withProvider(ctx, func(p *goose.Provider) error {
		if target > 0 {
			results, err := p.DownTo(ctx, target)
			r.logResults(results)
			if err != nil {
				return fmt.Errorf("roll back to version %d: %w", target, err)
			}
			return nil
		}
		result, err := p.Down(ctx)
		if result != nil {
			r.logResults([]*goose.MigrationResult{result})
		}
		if err != nil {
			return fmt.Errorf("roll back latest migration: %w", err)
		}
		return nil
	})
}

func (r Runner) logResults(results []*goose.MigrationResult) {
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		r.log.Info("migration "+res.Direction,
			"version", res.Source.Version,
			"path", res.Source.Path,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
}

func (r Runner) withProvider(ctx context.Context, fn func(*goose.Provider) error) error {
	conn, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer conn.Close()
	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return fmt.Errorf("configure migration lock: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, conn, r.fsys, goose.WithSessionLocker(locker))
	if err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	return fn(provider)
}
