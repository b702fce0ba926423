// Package cache holds the daily-report cache. Finalized reports are
// immutable, so caching them is safe; everything else bypasses the cache.
package cache

import (
	"context"
	"time"

	"bartally/internal/domain"
)

type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.DailyReport, bool, error)
	Set(ctx context.Context, key string, value *domain.DailyReport, ttl time.Duration) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.DailyReport, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *domain.DailyReport, _ time.Duration) error {
	return nil
}
