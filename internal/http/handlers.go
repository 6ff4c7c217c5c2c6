package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/krishi-advisor-service/internal/advisor"
	"github.com/kjstillabower/krishi-advisor-service/internal/contextsvc"
	"github.com/kjstillabower/krishi-advisor-service/internal/lifecycle"
	"github.com/kjstillabower/krishi-advisor-service/internal/models"
	"github.com/kjstillabower/krishi-advisor-service/internal/nudges"
	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
	"github.com/kjstillabower/krishi-advisor-service/internal/store"
	"github.com/kjstillabower/krishi-advisor-service/internal/traffic"
	"github.com/kjstillabower/krishi-advisor-service/internal/validation"
)

// Store is the persistence used by the handlers.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateProfile(ctx context.Context, id string, p store.ProfileUpdate) (*models.User, error)
	CreateThread(ctx context.Context, t *models.Thread) error
	ListThreads(ctx context.Context, userID string, includeArchived bool) ([]models.Thread, error)
	FindThreadByID(ctx context.Context, id string) (*models.Thread, error)
	ListMessages(ctx context.Context, threadID string) ([]models.Message, error)
	Ping(ctx context.Context) error
}

// ChatService answers a chat turn.
type ChatService interface {
	Chat(ctx context.Context, userID, threadID, text string) (*advisor.Reply, error)
}

// WeatherService resolves a reading for a location.
type WeatherService interface {
	GetWeatherData(ctx context.Context, location string) (models.WeatherReading, bool)
}

// NudgeService derives farming nudges.
type NudgeService interface {
	ForLocation(ctx context.Context, location string, season contextsvc.SeasonalFacet, crops []string) nudges.Result
}

// ContextService exposes context cache maintenance.
type ContextService interface {
	InvalidateUser(userID string)
	PreloadUserWeather(ctx context.Context, userID string)
	CacheStats() contextsvc.CacheStats
	ClearCache()
}

// TokenIssuer issues and verifies bearer tokens.
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
	Verify(token string) (string, error)
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// CachePing, when set, checks the shared memcached tier.
	CachePing func() error
	Version   string
}

// Deps are the handler dependencies. Logger and Now default when nil.
type Deps struct {
	Store    Store
	Advisor  ChatService
	Weather  WeatherService
	Nudges   NudgeService
	Contexts ContextService
	Tokens   TokenIssuer
	Health   *HealthConfig
	Logger   *zap.Logger
	Now      func() time.Time
}

// Handler serves the REST API.
type Handler struct {
	store    Store
	advisor  ChatService
	weather  WeatherService
	nudges   NudgeService
	contexts ContextService
	tokens   TokenIssuer
	health   *HealthConfig
	logger   *zap.Logger
	now      func() time.Time

	healthStatusMu   sync.Mutex
	healthStatusPrev string
	background       sync.WaitGroup
}

// NewHandler returns a new Handler.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		store:    d.Store,
		advisor:  d.Advisor,
		weather:  d.Weather,
		nudges:   d.Nudges,
		contexts: d.Contexts,
		tokens:   d.Tokens,
		health:   d.Health,
		logger:   d.Logger,
		now:      d.Now,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Wait blocks until background work started by handlers (weather preloads) finishes.
func (h *Handler) Wait() {
	h.background.Wait()
}

// GetWeather handles GET /weather/{location}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	location, err := validation.ValidateLocation(mux.Vars(r)["location"], validation.LocationMinLen, validation.LocationMaxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}
	reading, ok := h.weather.GetWeatherData(r.Context(), location)
	if !ok {
		writeError(w, r, http.StatusServiceUnavailable, "WEATHER_UNAVAILABLE", "Unable to fetch weather data")
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// GetNudges handles GET /nudges. The location query parameter overrides the
// profile location; crops always come from the profile.
func (h *Handler) GetNudges(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)
	user, err := h.store.FindUserByID(r.Context(), userID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	location := user.Location
	if q := r.URL.Query().Get("location"); q != "" {
		location, err = validation.ValidateLocation(q, validation.LocationMinLen, validation.LocationMaxLen)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
			return
		}
	}
	res := h.nudges.ForLocation(r.Context(), location, contextsvc.Seasonal(h.now()), user.CropTypes)
	writeJSON(w, http.StatusOK, res)
}

// GetCacheStats handles GET /cache/stats.
func (h *Handler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.contexts.CacheStats())
}

// ClearCache handles DELETE /cache.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.contexts.ClearCache()
	observability.LoggerFromContext(r.Context(), h.logger).Info("caches cleared", zap.String("userId", mustUserID(r)))
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message": "Caches cleared"})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	checks := h.runChecks(r.Context())
	result := h.computeHealthStatus(checks)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	version := "dev"
	if h.health != nil && h.health.Version != "" {
		version = h.health.Version
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "krishi-advisor-service",
		"version":   version,
		"checks":    checks,
		"uptime":    lifecycle.Uptime().Round(time.Second).String(),
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

// runChecks probes local dependencies and reads upstream error rates.
func (h *Handler) runChecks(ctx context.Context) map[string]string {
	checks := map[string]string{
		"database":   "healthy",
		"weatherApi": "healthy",
		"llm":        "healthy",
	}
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			checks["database"] = "unhealthy"
		}
	}
	if h.health == nil {
		return checks
	}
	if h.health.CachePing != nil {
		checks["cache"] = "healthy"
		if h.health.CachePing() != nil {
			checks["cache"] = "unhealthy"
		}
	}
	for check, dep := range map[string]string{"weatherApi": traffic.DependencyWeather, "llm": traffic.DependencyLLM} {
		if h.errorRateBreached(dep) {
			checks[check] = "unhealthy"
		}
	}
	return checks
}

func (h *Handler) errorRateBreached(dependency string) bool {
	if h.health.DegradedWindow <= 0 || h.health.DegradedErrorPct <= 0 {
		return false
	}
	errs, total := traffic.ErrorRate(dependency, h.health.DegradedWindow)
	if total == 0 {
		return false
	}
	return float64(errs)*100/float64(total) >= float64(h.health.DegradedErrorPct)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(checks map[string]string) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !lifecycle.IsReady() {
		return healthResult{"starting", http.StatusServiceUnavailable, "not_ready"}
	}
	if h.health != nil && h.health.RateLimitRPS > 0 && h.health.OverloadWindow > 0 {
		threshold := float64(h.health.RateLimitRPS) * h.health.OverloadWindow.Seconds() * float64(h.health.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(h.health.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if checks["database"] != "healthy" {
		return healthResult{"degraded", http.StatusServiceUnavailable, "database_unreachable"}
	}
	for _, name := range []string{"weatherApi", "llm", "cache"} {
		if checks[name] == "unhealthy" {
			return healthResult{"degraded", http.StatusServiceUnavailable, name + "_unhealthy"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error in the standard envelope with code, message and
// the request correlation id.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeStoreError maps store sentinels to responses. Unknown errors are 500s.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Resource not found")
	case errors.Is(err, store.ErrEmailTaken):
		writeError(w, r, http.StatusConflict, "EMAIL_TAKEN", "Email is already registered")
	case errors.Is(err, store.ErrInvalidUrgency):
		writeError(w, r, http.StatusBadRequest, "INVALID_URGENCY", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out")
	default:
		observability.LoggerFromContext(r.Context(), h.logger).Error("store error", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Internal error")
	}
}

// decodeJSON reads a bounded JSON body, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON")
		return false
	}
	return true
}
