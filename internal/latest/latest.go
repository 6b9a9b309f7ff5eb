// Package latest caches the newest deployed version of each project so that
// preview routing does not hit the version store.
package latest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

// Entry is the cached pointer value.
type Entry struct {
	VersionID  string    `json:"versionId"`
	PreviewURL string    `json:"previewUrl"`
	Timestamp  time.Time `json:"timestamp"`
}

// Pointer reads and writes latest-version entries.
type Pointer interface {
	SetLatest(ctx context.Context, userID, projectID string, entry Entry) error
	GetLatest(ctx context.Context, userID, projectID string) (Entry, error)
}

// RedisPointer stores entries as JSON strings with an optional TTL.
type RedisPointer struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisPointer wraps client. A zero ttl keeps entries forever.
func NewRedisPointer(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisPointer {
	if prefix == "" {
		prefix = "peep:latest:"
	}
	return &RedisPointer{client: client, prefix: prefix, ttl: ttl}
}

func (p *RedisPointer) key(userID, projectID string) string {
	return p.prefix + userID + ":" + projectID
}

func (p *RedisPointer) SetLatest(ctx context.Context, userID, projectID string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode latest pointer: %w", err)
	}
	if err := p.client.Set(ctx, p.key(userID, projectID), raw, p.ttl).Err(); err != nil {
		return fmt.Errorf("set latest pointer: %w", err)
	}
	return nil
}

func (p *RedisPointer) GetLatest(ctx context.Context, userID, projectID string) (Entry, error) {
	raw, err := p.client.Get(ctx, p.key(userID, projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("latest pointer for %s: %w", projectID, domain.ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get latest pointer: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode latest pointer: %w", err)
	}
	return entry, nil
}

// Noop discards writes and never finds an entry.
type Noop struct{}

func (Noop) SetLatest(context.Context, string, string, Entry) error { return nil }

func (Noop) GetLatest(_ context.Context, _ string, projectID string) (Entry, error) {
	return Entry{}, fmt.Errorf("latest pointer for %s: %w", projectID, domain.ErrNotFound)
}
