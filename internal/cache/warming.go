package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/krishi-advisor-service/internal/models"
	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
)

// warmConcurrency caps parallel upstream fetches during a warm run.
const warmConcurrency = 4

// WeatherFetcher is implemented by the weather service. Fetching through it populates the cache.
// Declared here so the cache package does not import the weather package.
type WeatherFetcher interface {
	GetWeatherData(ctx context.Context, location string) (models.WeatherReading, bool)
}

// CacheWarmer prefetches weather for a fixed list of farming districts.
type CacheWarmer struct {
	fetcher WeatherFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher WeatherFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches weather for each location with bounded concurrency.
// Returns an error naming every location that produced no reading.
func (w *CacheWarmer) Warm(ctx context.Context, locations []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming weather cache", zap.Int("locations", len(locations)))

	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, loc := range locations {
		loc := loc
		g.Go(func() error {
			if _, ok := w.fetcher.GetWeatherData(gctx, loc); !ok {
				mu.Lock()
				failed = append(failed, loc)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("weather cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("failed", len(failed)),
		zap.Float64("duration_seconds", duration))

	if len(failed) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: no reading for %s", strings.Join(failed, ", "))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, locations []string, interval time.Duration) error {
	if err := w.Warm(ctx, locations); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, locations); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
