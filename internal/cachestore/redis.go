package cachestore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedproxy/internal/model"
	appErr "github.com/xxxsen/embedproxy/internal/pkg/errors"
)

const (
	redisKeyPrefix = "embcache:"
	redisCountKey  = redisKeyPrefix + "count"
)

type redisStore struct {
	client *redis.Client
}

func init() {
	Register("redis", createRedisStore)
}

func createRedisStore(dsn string) (Store, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &redisStore{client: client}, nil
}

func redisKey(hash []byte) string {
	return redisKeyPrefix + hex.EncodeToString(hash)
}

func (s *redisStore) Lookup(ctx context.Context, hash []byte) ([]byte, bool) {
	value, err := s.client.Get(ctx, redisKey(hash)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logutil.GetLogger(ctx).Warn("embedding cache read failed, treat as miss", zap.String("driver", "redis"), zap.Error(err))
		}
		return nil, false
	}
	return value, true
}

func (s *redisStore) Put(ctx context.Context, item *model.EmbeddingCache) error {
	key := redisKey(item.Hash)
	ok, err := s.client.SetNX(ctx, key, item.Value, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return appErr.ErrConflict
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key+":meta", "model", item.Model, "dimensions", strconv.Itoa(item.Dimensions))
		pipe.Incr(ctx, redisCountKey)
		return nil
	})
	return err
}

func (s *redisStore) Count(ctx context.Context) (int64, error) {
	count, err := s.client.Get(ctx, redisCountKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return count, err
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
