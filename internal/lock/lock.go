// Package lock provides the per-project advisory lock that serialises
// pipeline runs and rollbacks for one project.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

// Locker acquires leases. Acquire never waits: a held key fails immediately
// with domain.ErrConflict.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

type releaser interface {
	release(ctx context.Context, key, token string) error
	refresh(ctx context.Context, key, token string, ttl time.Duration) error
}

// Lease is a held lock. Only the owner token can release or extend it.
type Lease struct {
	Key   string
	Token string
	TTL   time.Duration

	backend releaser
}

// Release drops the lock if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.backend.release(ctx, l.Key, l.Token)
}

// Refresh extends the lease by its TTL. It fails with domain.ErrConflict when
// the lease expired and another owner took the key.
func (l *Lease) Refresh(ctx context.Context) error {
	return l.backend.refresh(ctx, l.Key, l.Token, l.TTL)
}

// ProjectKey is the lock key for a project.
func ProjectKey(projectID string) string {
	return "project:" + projectID
}

func conflict(key string) error {
	return fmt.Errorf("%w: lock %s is held", domain.ErrConflict, key)
}
