package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"

	"github.com/xxxsen/embedproxy/internal/model"
	"github.com/xxxsen/embedproxy/internal/pkg/dbutil"
	appErr "github.com/xxxsen/embedproxy/internal/pkg/errors"
)

const embeddingsTable = "embeddings"

type EmbeddingCacheRepo struct {
	db *sqlx.DB
}

func NewEmbeddingCacheRepo(db *sqlx.DB) *EmbeddingCacheRepo {
	return &EmbeddingCacheRepo{db: db}
}

func (r *EmbeddingCacheRepo) Get(ctx context.Context, hash []byte) ([]byte, bool, error) {
	// "hash =" keeps the blob a single argument; a bare key would expand
	// the []byte into an IN list.
	where := map[string]interface{}{
		"hash =": hash,
		"_limit": []uint{0, 1},
	}
	sqlStr, args, err := builder.BuildSelect(embeddingsTable, where, []string{"value"})
	if err != nil {
		return nil, false, err
	}
	sqlStr, args = dbutil.Finalize(r.db.DriverName(), sqlStr, args)
	var value []byte
	if err := r.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (r *EmbeddingCacheRepo) Save(ctx context.Context, item *model.EmbeddingCache) error {
	data := map[string]interface{}{
		"model":      item.Model,
		"dimensions": item.Dimensions,
		"hash":       item.Hash,
		"value":      item.Value,
	}
	sqlStr, args, err := builder.BuildInsert(embeddingsTable, []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(r.db.DriverName(), sqlStr, args)
	if _, err := r.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *EmbeddingCacheRepo) Count(ctx context.Context) (int64, error) {
	sqlStr, args, err := builder.BuildSelect(embeddingsTable, map[string]interface{}{}, []string{"COUNT(1)"})
	if err != nil {
		return 0, err
	}
	sqlStr, args = dbutil.Finalize(r.db.DriverName(), sqlStr, args)
	var count int64
	if err := r.db.QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
