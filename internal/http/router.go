package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
)

// RouterConfig configures middleware applied per route group.
type RouterConfig struct {
	Limiter        *rate.Limiter // nil disables rate limiting
	RequestTimeout time.Duration
	ChatTimeout    time.Duration
	Logger         *zap.Logger
}

// NewRouter wires every route. Chat gets its own, longer timeout because it
// includes the LLM call.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	public := router.NewRoute().Subrouter()
	public.Use(RateLimitMiddleware(cfg.Limiter))
	public.Use(TimeoutMiddleware(cfg.RequestTimeout))
	public.HandleFunc("/auth/register", h.Register).Methods(http.MethodPost)
	public.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost)
	public.HandleFunc("/weather/{location}", h.GetWeather).Methods(http.MethodGet)

	chat := router.NewRoute().Subrouter()
	chat.Use(RateLimitMiddleware(cfg.Limiter))
	chat.Use(AuthMiddleware(h.tokens))
	chat.Use(TimeoutMiddleware(cfg.ChatTimeout))
	chat.HandleFunc("/threads/{id}/chat", h.Chat).Methods(http.MethodPost)

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(cfg.Limiter))
	api.Use(AuthMiddleware(h.tokens))
	api.Use(TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/profile", h.GetProfile).Methods(http.MethodGet)
	api.HandleFunc("/profile", h.UpdateProfile).Methods(http.MethodPut)
	api.HandleFunc("/threads", h.ListThreads).Methods(http.MethodGet)
	api.HandleFunc("/threads", h.CreateThread).Methods(http.MethodPost)
	api.HandleFunc("/threads/{id}/messages", h.ListMessages).Methods(http.MethodGet)
	api.HandleFunc("/nudges", h.GetNudges).Methods(http.MethodGet)
	api.HandleFunc("/cache/stats", h.GetCacheStats).Methods(http.MethodGet)
	api.HandleFunc("/cache", h.ClearCache).Methods(http.MethodDelete)

	return router
}
