package cachestore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedproxy/internal/model"
	"github.com/xxxsen/embedproxy/internal/repo"
)

type sqlStore struct {
	db   *sqlx.DB
	repo *repo.EmbeddingCacheRepo
}

func init() {
	Register("sqlite", createSQLiteStore)
	Register("postgres", createPostgresStore)
}

func createSQLiteStore(dsn string) (Store, error) {
	db, err := repo.OpenSQLite(dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newSQLStore(db)
}

func createPostgresStore(dsn string) (Store, error) {
	db, err := repo.OpenPostgres(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newSQLStore(db)
}

func newSQLStore(db *sqlx.DB) (*sqlStore, error) {
	if err := repo.ApplyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &sqlStore{db: db, repo: repo.NewEmbeddingCacheRepo(db)}, nil
}

func (s *sqlStore) Lookup(ctx context.Context, hash []byte) ([]byte, bool) {
	value, ok, err := s.repo.Get(ctx, hash)
	if err != nil {
		logutil.GetLogger(ctx).Warn("embedding cache read failed, treat as miss",
			zap.String("driver", s.db.DriverName()), zap.Error(err))
		return nil, false
	}
	return value, ok
}

func (s *sqlStore) Put(ctx context.Context, item *model.EmbeddingCache) error {
	return s.repo.Save(ctx, item)
}

func (s *sqlStore) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
