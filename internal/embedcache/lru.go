package embedcache

import (
	"context"
	"errors"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedproxy/internal/cachestore"
	"github.com/xxxsen/embedproxy/internal/model"
	appErr "github.com/xxxsen/embedproxy/internal/pkg/errors"
)

// WrapLRU puts an in-process tier in front of s. Entries never expire;
// the LRU only bounds memory.
func WrapLRU(s cachestore.Store, size int) cachestore.Store {
	if s == nil || size <= 0 {
		return s
	}
	return &lruStore{
		next:  s,
		cache: expirable.NewLRU[string, []byte](size, nil, 0),
	}
}

type lruStore struct {
	next  cachestore.Store
	cache *expirable.LRU[string, []byte]
}

func (l *lruStore) Lookup(ctx context.Context, hash []byte) ([]byte, bool) {
	key := string(hash)
	if cached, ok := l.cache.Get(key); ok {
		logutil.GetLogger(ctx).Debug("embedding cache hit (lru)")
		return cloneBlob(cached), true
	}
	value, ok := l.next.Lookup(ctx, hash)
	if !ok {
		return nil, false
	}
	l.cache.Add(key, cloneBlob(value))
	return value, true
}

func (l *lruStore) Put(ctx context.Context, item *model.EmbeddingCache) error {
	err := l.next.Put(ctx, item)
	if err != nil && !errors.Is(err, appErr.ErrConflict) {
		return err
	}
	if err != nil {
		// The durable row wins; drop whatever we might hold so the next
		// lookup reads it back.
		l.cache.Remove(string(item.Hash))
		logutil.GetLogger(ctx).Debug("lru skip on conflict", zap.Int("dimensions", item.Dimensions))
		return err
	}
	l.cache.Add(string(item.Hash), cloneBlob(item.Value))
	return nil
}

func (l *lruStore) Count(ctx context.Context) (int64, error) {
	return l.next.Count(ctx)
}

func (l *lruStore) Close() error {
	l.cache.Purge()
	return l.next.Close()
}

func cloneBlob(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
