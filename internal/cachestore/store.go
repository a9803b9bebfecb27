package cachestore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/xxxsen/embedproxy/internal/model"
)

// Store is a durable, append-only map from fingerprint to embedding blob.
// Implementations must be safe for concurrent use.
type Store interface {
	// Lookup reports a miss on any read failure.
	Lookup(ctx context.Context, hash []byte) ([]byte, bool)
	// Put inserts item. A duplicate hash yields appErr.ErrConflict.
	Put(ctx context.Context, item *model.EmbeddingCache) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

type Factory func(dsn string) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

// New opens the backend named by databasePath's scheme.
func New(databasePath string) (Store, error) {
	kind, dsn := ParseDatabasePath(databasePath)
	registryMu.RLock()
	factory := registry[kind]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported cache store type: %s", kind)
	}
	return factory(dsn)
}

// ParseDatabasePath splits a DATABASE_PATH value into a backend name and
// the DSN that backend understands. For sqlite an empty DSN means memory.
func ParseDatabasePath(path string) (string, string) {
	path = strings.TrimSpace(path)
	lower := strings.ToLower(path)
	switch {
	case path == "", lower == "sqlite::memory:", lower == ":memory:", lower == "sqlite://:memory:":
		return "sqlite", ""
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres", path
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return "redis", path
	case strings.HasPrefix(lower, "sqlite://"):
		return "sqlite", path[len("sqlite://"):]
	case strings.HasPrefix(lower, "sqlite:"):
		return "sqlite", path[len("sqlite:"):]
	default:
		return "sqlite", path
	}
}
