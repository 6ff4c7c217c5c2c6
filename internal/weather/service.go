package weather

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/krishi-advisor-service/internal/cache"
	"github.com/kjstillabower/krishi-advisor-service/internal/client"
	"github.com/kjstillabower/krishi-advisor-service/internal/models"
	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
	"github.com/kjstillabower/krishi-advisor-service/internal/traffic"
)

// DefaultTTL is how long a reading stays in the weather cache.
const DefaultTTL = 60 * time.Minute

// Service retrieves current weather cache-aside: process cache, then the
// optional shared tier, then the upstream provider. It never returns an error;
// an unavailable reading is reported as absent.
type Service struct {
	provider client.WeatherProvider
	cache    *cache.TTLCache[models.WeatherReading]
	shared   cache.ReadingStore
	ttl      time.Duration
	logger   *zap.Logger

	group    singleflight.Group
	stampede *stampedeTracker
}

// NewService creates a Service. ttl <= 0 uses DefaultTTL; a nil logger discards output.
func NewService(provider client.WeatherProvider, c *cache.TTLCache[models.WeatherReading], ttl time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider: provider,
		cache:    c,
		ttl:      ttl,
		logger:   logger,
		stampede: newStampedeTracker(),
	}
}

// SetSharedTier adds a cross-process store consulted after the process cache.
// nil disables it.
func (s *Service) SetSharedTier(store cache.ReadingStore) {
	s.shared = store
}

// Cache exposes the process cache for stats and clearing.
func (s *Service) Cache() *cache.TTLCache[models.WeatherReading] {
	return s.cache
}

// IsUnspecified reports whether location carries no usable place name.
func IsUnspecified(location string) bool {
	loc := strings.TrimSpace(location)
	return loc == "" || strings.EqualFold(loc, models.NotSpecified)
}

// GetWeatherData returns the current reading for location, or false when the
// location is unspecified or the provider could not serve it.
func (s *Service) GetWeatherData(ctx context.Context, location string) (models.WeatherReading, bool) {
	logger := observability.LoggerFromContext(ctx, s.logger)

	if IsUnspecified(location) {
		logger.Warn("weather requested without a location", zap.String("location", location))
		return models.WeatherReading{}, false
	}

	key := cache.NormalizeLocation(location)
	observability.RecordWeatherQuery(key)

	if reading, ok := s.cache.Get(key); ok {
		logger.Debug("weather cache hit", zap.String("location", key))
		return reading, true
	}

	concurrent := s.stampede.RecordMiss(key)
	defer s.stampede.Done(key)
	locLabel := observability.MetricLocationLabel(key)
	if concurrent > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(locLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(locLabel).Observe(float64(concurrent))
	}

	// The fetch outlives any single caller so joined waiters still get a result.
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.fetch(fetchCtx, key, strings.TrimSpace(location))
	})

	select {
	case <-ctx.Done():
		logger.Warn("weather lookup abandoned", zap.String("location", key), zap.Error(ctx.Err()))
		return models.WeatherReading{}, false
	case res := <-ch:
		if res.Shared {
			observability.RequestCoalescingHitsTotal.WithLabelValues(locLabel).Inc()
		}
		if res.Err != nil {
			category := client.CategorizeError(res.Err)
			observability.WeatherUnavailableTotal.WithLabelValues(string(category)).Inc()
			logger.Warn("weather unavailable",
				zap.String("location", key),
				zap.String("category", string(category)),
				zap.Error(res.Err),
			)
			return models.WeatherReading{}, false
		}
		return res.Val.(models.WeatherReading), true
	}
}

// fetch resolves a process-cache miss. Successful readings are written back
// to every tier. A reading promoted from the shared tier keeps only the TTL
// it has left, so it expires no later than it would have in the shared tier.
func (s *Service) fetch(ctx context.Context, key, location string) (models.WeatherReading, error) {
	if s.shared != nil {
		reading, ok, err := s.shared.Get(ctx, key)
		switch {
		case err != nil:
			observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
			s.logger.Warn("shared weather tier get failed", zap.String("location", key), zap.Error(err))
		case ok:
			if ttl := s.remainingTTL(reading, time.Now()); ttl > 0 {
				s.cache.Set(key, reading, ttl)
				return reading, nil
			}
			s.logger.Debug("shared weather reading past its TTL", zap.String("location", key))
		}
	}

	start := time.Now()
	reading, err := s.provider.GetCurrentWeather(ctx, location)
	traffic.RecordOutcome(traffic.DependencyWeather, err)
	if err != nil {
		return models.WeatherReading{}, err
	}

	s.cache.Set(key, reading, s.ttl)
	if s.shared != nil {
		if err := s.shared.Set(ctx, key, reading, s.ttl); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
			s.logger.Warn("shared weather tier set failed", zap.String("location", key), zap.Error(err))
		}
	}
	s.logger.Debug("weather fetched upstream",
		zap.String("location", key),
		zap.Duration("duration", time.Since(start)),
	)
	return reading, nil
}

// remainingTTL is what is left of the configured TTL for a reading fetched at
// reading.Timestamp. Readings without a timestamp get the full TTL.
func (s *Service) remainingTTL(reading models.WeatherReading, now time.Time) time.Duration {
	if reading.Timestamp.IsZero() {
		return s.ttl
	}
	return s.ttl - now.Sub(reading.Timestamp)
}

// GetWeatherForNudges returns the reduced reading used by the nudge rules.
func (s *Service) GetWeatherForNudges(ctx context.Context, location string) (models.NudgeWeather, bool) {
	reading, ok := s.GetWeatherData(ctx, location)
	if !ok {
		return models.NudgeWeather{}, false
	}
	return reading.NudgeShape(), true
}

// GetWeatherForContext returns the weather facet for prompt context.
func (s *Service) GetWeatherForContext(ctx context.Context, location string) (models.ContextWeather, bool) {
	reading, ok := s.GetWeatherData(ctx, location)
	if !ok {
		return models.ContextWeather{}, false
	}
	return reading.ContextShape(), true
}

// categorizeCacheError returns a stable label for shared-tier error metrics.
func categorizeCacheError(err error) string {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "connection"), strings.Contains(errStr, "network"):
		return "connection"
	}
	return "unknown"
}
