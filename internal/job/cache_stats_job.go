package job

import (
	"context"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/embedproxy/internal/metrics"
)

type entryCounter interface {
	Count(ctx context.Context) (int64, error)
}

// CacheStatsJob refreshes the cache entries gauge from the store.
type CacheStatsJob struct {
	store   entryCounter
	metrics *metrics.Metrics
}

func NewCacheStatsJob(store entryCounter, m *metrics.Metrics) *CacheStatsJob {
	return &CacheStatsJob{store: store, metrics: m}
}

func (j *CacheStatsJob) Name() string {
	return "cache_stats"
}

func (j *CacheStatsJob) Run(ctx context.Context) error {
	if j.store == nil {
		return nil
	}
	count, err := j.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("count cache entries: %w", err)
	}
	j.metrics.SetEntries(count)
	logutil.GetLogger(ctx).Info("embedding cache stats", zap.Int64("entries", count))
	return nil
}
