package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/krishi-advisor-service/internal/advisor"
	"github.com/kjstillabower/krishi-advisor-service/internal/auth"
	"github.com/kjstillabower/krishi-advisor-service/internal/cache"
	"github.com/kjstillabower/krishi-advisor-service/internal/circuitbreaker"
	"github.com/kjstillabower/krishi-advisor-service/internal/client"
	"github.com/kjstillabower/krishi-advisor-service/internal/config"
	"github.com/kjstillabower/krishi-advisor-service/internal/contextsvc"
	httphandler "github.com/kjstillabower/krishi-advisor-service/internal/http"
	"github.com/kjstillabower/krishi-advisor-service/internal/lifecycle"
	"github.com/kjstillabower/krishi-advisor-service/internal/models"
	"github.com/kjstillabower/krishi-advisor-service/internal/nudges"
	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
	"github.com/kjstillabower/krishi-advisor-service/internal/store"
	"github.com/kjstillabower/krishi-advisor-service/internal/weather"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if cb := newBreaker(cfg, "weather_api", logger); cb != nil {
		weatherClient.SetCircuitBreaker(cb)
	}
	probeCtx, probeCancel := context.WithTimeout(context.Background(), cfg.WeatherAPITimeout)
	if err := weatherClient.ValidateAPIKey(probeCtx); err != nil {
		logger.Warn("weather API key check failed; continuing", zap.Error(err))
	}
	probeCancel()

	weatherCache := cache.NewWeatherCache[models.WeatherReading](cfg.WeatherSweepInterval)
	contextCache := cache.NewContextCache[any](cfg.ContextSweepInterval)
	weatherService := weather.NewService(weatherClient, weatherCache, cfg.WeatherCacheTTL, logger)

	var memcached *cache.MemcachedCache
	if cfg.CacheBackend == "memcached" {
		memcached, err = cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		weatherService.SetSharedTier(memcached)
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	} else {
		logger.Info("cache backend: in_memory")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("database", zap.String("path", cfg.DBPath), zap.Error(err))
	}

	contexts := contextsvc.NewService(db, db, weatherService, contextCache, weatherCache,
		contextsvc.WithLogger(logger),
		contextsvc.WithMessageLimit(cfg.ConversationMessageLimit),
	)

	if cfg.LLMAPIKey == "" {
		logger.Warn("LLM_API_KEY not set; chat will answer with AI_UNAVAILABLE")
	}
	llm := advisor.NewOpenAIClient(advisor.LLMConfig{
		BaseURL:     cfg.LLMBaseURL,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Timeout:     cfg.LLMTimeout,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	})
	if cb := newBreaker(cfg, "llm", logger); cb != nil {
		llm.SetCircuitBreaker(cb)
	}
	adv := advisor.New(db, contexts, llm, logger)
	adv.SetHistoryLimit(cfg.ChatHistoryLimit)

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("token manager", zap.Error(err))
	}

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	warmCtx, stopWarming := context.WithCancel(context.Background())
	defer stopWarming()
	if cfg.WarmCache && len(cfg.TrackedLocations) > 0 {
		startWarming(warmCtx, cfg, weatherService, logger)
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		Version:              version,
	}
	if memcached != nil {
		healthConfig.CachePing = memcached.Ping
	}

	handler := httphandler.NewHandler(httphandler.Deps{
		Store:    db,
		Advisor:  adv,
		Weather:  weatherService,
		Nudges:   nudges.NewService(weatherService),
		Contexts: contexts,
		Tokens:   tokens,
		Health:   healthConfig,
		Logger:   logger,
	})

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		ChatTimeout:    cfg.ChatTimeout,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.ChatTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()
	lifecycle.MarkReady()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	stopWarming()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	handler.Wait()

	_ = weatherCache.Close()
	_ = contextCache.Close()
	if memcached != nil {
		if err := memcached.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := db.Close(); err != nil {
		logger.Error("database close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newBreaker returns nil when circuit breaking is disabled.
func newBreaker(cfg *config.Config, component string, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	if !cfg.CircuitBreakerEnabled {
		return nil
	}
	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        component,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String())
			observability.SetCircuitBreakerStateGauge(component, float64(to))
			logger.Warn("circuit breaker state change",
				zap.String("component", component),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	observability.SetCircuitBreakerStateGauge(component, float64(circuitbreaker.StateClosed))
	logger.Info("circuit breaker enabled",
		zap.String("component", component),
		zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
		zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	return cb
}

// startWarming fetches the tracked districts once in the background and then
// refreshes them every WarmInterval until ctx is cancelled.
func startWarming(ctx context.Context, cfg *config.Config, fetcher cache.WeatherFetcher, logger *zap.Logger) {
	warmer := cache.NewCacheWarmer(fetcher, logger)
	go func() {
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := warmer.Warm(initCtx, cfg.TrackedLocations); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		cancel()
		if cfg.WarmInterval <= 0 {
			return
		}
		if err := warmer.WarmPeriodic(ctx, cfg.TrackedLocations, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("periodic cache warming stopped", zap.Error(err))
		}
	}()
}
