package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/krishi-advisor-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Chat turns dominate the tail because of the LLM call.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap API call rate by status.
	WeatherAPICallsTotal *prometheus.CounterVec

	// External API latency per request. Watch for: p99 near the 5s client timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for weather API. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Weather lookups that ended without a reading, by error category.
	WeatherUnavailableTotal *prometheus.CounterVec

	// Cache hits/misses/sets/evictions by cache name (weather, context).
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheSetsTotal      *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec

	// Entries removed by the periodic expiry sweep.
	CacheSweepRemovedTotal *prometheus.CounterVec

	// Shared memcached tier errors by operation.
	CacheErrorsTotal *prometheus.CounterVec

	// Concurrent misses on the same weather key.
	CacheStampedeDetectedTotal *prometheus.CounterVec
	CacheStampedeConcurrency   *prometheus.HistogramVec

	// Callers that shared another caller's in-flight upstream fetch.
	RequestCoalescingHitsTotal *prometheus.CounterVec

	// Context assembly latency per chat turn.
	ContextAssemblyDuration prometheus.Histogram

	// Facets that could not be populated, by facet.
	ContextFacetUnavailableTotal *prometheus.CounterVec

	// Assemblies that fell back to the degraded context.
	ContextDegradedTotal prometheus.Counter

	// LLM completions by status and purpose (chat, title).
	LLMCallsTotal   *prometheus.CounterVec
	LLMCallDuration *prometheus.HistogramVec

	// Cache warming runs, failures and duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Circuit breaker state (0 closed, 1 open, 2 half-open) and transitions.
	CircuitBreakerState            *prometheus.GaugeVec
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Total weather lookups. Watch for: traffic volume, rate() for QPS.
	WeatherQueriesTotal prometheus.Counter

	// Per-location query count (allow-list; others go to "other").
	WeatherQueriesByLocationTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// trackedLocations is built from config; used to resolve location for metrics.
	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	WeatherUnavailableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherUnavailableTotal",
			Help: "Weather lookups that returned no reading, by error category",
		},
		[]string{"category"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses, including lazily expired entries",
		},
		[]string{"cache"},
	)
	CacheSetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheSetsTotal",
			Help: "Total number of cache writes",
		},
		[]string{"cache"},
	)
	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheEvictionsTotal",
			Help: "Entries evicted because the cache was at capacity",
		},
		[]string{"cache"},
	)
	CacheSweepRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheSweepRemovedTotal",
			Help: "Expired entries removed by the periodic sweep",
		},
		[]string{"cache"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Shared cache tier errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Weather cache misses that overlapped another miss on the same key",
		},
		[]string{"location"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent misses observed on a weather key",
			Buckets: []float64{2, 3, 5, 10, 25, 50},
		},
		[]string{"location"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Weather lookups served by another caller's in-flight fetch",
		},
		[]string{"location"},
	)
	ContextAssemblyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contextAssemblyDurationSeconds",
			Help:    "Time to assemble the AI context for a chat turn",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 5},
		},
	)
	ContextFacetUnavailableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextFacetUnavailableTotal",
			Help: "Context facets that could not be populated",
		},
		[]string{"facet"},
	)
	ContextDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contextDegradedTotal",
			Help: "Context assemblies that returned the degraded context",
		},
	)
	LLMCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmCallsTotal",
			Help: "LLM completion calls by purpose and status",
		},
		[]string{"purpose", "status"},
	)
	LLMCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmCallDurationSeconds",
			Help:    "LLM completion latency in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"purpose"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Weather cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Weather cache warming runs with at least one failed location",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Weather cache warming duration",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30},
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	WeatherQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups",
		},
	)
	WeatherQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByLocationTotal",
			Help: "Weather queries by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal, WeatherUnavailableTotal,
		CacheHitsTotal, CacheMissesTotal, CacheSetsTotal, CacheEvictionsTotal, CacheSweepRemovedTotal, CacheErrorsTotal,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency, RequestCoalescingHitsTotal,
		ContextAssemblyDuration, ContextFacetUnavailableTotal, ContextDegradedTotal,
		LLMCallsTotal, LLMCallDuration,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		WeatherQueriesTotal, WeatherQueriesByLocationTotal,
		RateLimitDeniedTotal,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// RecordCircuitBreakerTransition counts a state change for component.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the current state value for component.
func SetCircuitBreakerStateGauge(component string, value float64) {
	CircuitBreakerState.WithLabelValues(component).Set(value)
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordWeatherQuery records a weather query for the given location.
func RecordWeatherQuery(location string) {
	WeatherQueriesTotal.Inc()
	WeatherQueriesByLocationTotal.WithLabelValues(MetricLocationLabel(location)).Inc()
}

// MetricLocationLabel returns the location itself when tracked, "other" otherwise.
// Keeps label cardinality bounded no matter what farmers type.
func MetricLocationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

// normalizeLocationForMetrics matches the weather cache key shape so that
// "New Delhi" and "new_delhi" share a label.
func normalizeLocationForMetrics(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
