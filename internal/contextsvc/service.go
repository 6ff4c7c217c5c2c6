// Package contextsvc assembles the per-turn context that precedes every AI
// prompt: farmer profile, current weather, recent conversation and season.
package contextsvc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/krishi-advisor-service/internal/cache"
	"github.com/kjstillabower/krishi-advisor-service/internal/models"
	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
	"github.com/kjstillabower/krishi-advisor-service/internal/store"
	"github.com/kjstillabower/krishi-advisor-service/internal/weather"
)

// Facet cache lifetimes and limits.
const (
	UserTTL             = 24 * time.Hour
	ConversationTTL     = 30 * time.Minute
	DefaultMessageLimit = 10
	MaxMessageChars     = 200
)

// Profile defaults applied when a stored field is empty.
const (
	DefaultExperience  = models.ExperienceBeginner
	DefaultLanguage    = "en"
	DefaultDisplayName = "Farmer"
)

// UserStore loads farmer profiles.
type UserStore interface {
	FindUserByID(ctx context.Context, id string) (*models.User, error)
}

// ThreadStore loads thread metadata and recent visible messages, newest first.
type ThreadStore interface {
	FindThreadByID(ctx context.Context, id string) (*models.Thread, error)
	FindRecentMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error)
}

// WeatherSource resolves the weather facet. false means unavailable.
type WeatherSource interface {
	GetWeatherForContext(ctx context.Context, location string) (models.ContextWeather, bool)
}

// CacheInspector is the observability surface of a cache.
type CacheInspector interface {
	Stats() cache.Stats
	Clear()
}

// CacheStats reports both caches used during assembly.
type CacheStats struct {
	ContextCache cache.Stats `json:"contextCache"`
	WeatherCache cache.Stats `json:"weatherCache"`
}

// Service builds Contexts. Safe for concurrent use.
type Service struct {
	users        UserStore
	threads      ThreadStore
	weather      WeatherSource
	cache        *cache.TTLCache[any]
	weatherCache CacheInspector
	logger       *zap.Logger
	now          func() time.Time
	messageLimit int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the fallback logger used when the request context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now. The seasonal facet follows this clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMessageLimit sets how many recent messages the conversation facet keeps.
func WithMessageLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.messageLimit = n
		}
	}
}

// NewService wires a Service. contextCache holds user and conversation facets;
// weatherCache is only inspected for stats and clearing.
func NewService(users UserStore, threads ThreadStore, ws WeatherSource, contextCache *cache.TTLCache[any], weatherCache CacheInspector, opts ...Option) *Service {
	s := &Service{
		users:        users,
		threads:      threads,
		weather:      ws,
		cache:        contextCache,
		weatherCache: weatherCache,
		logger:       zap.NewNop(),
		now:          time.Now,
		messageLimit: DefaultMessageLimit,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// BuildCompleteContext assembles the context for one chat turn. It never fails:
// facets that cannot be loaded are absent, even when their loader panics. If
// assembly breaks after the fan-out the degraded context is returned with
// Metadata.Error set.
func (s *Service) BuildCompleteContext(ctx context.Context, userID, threadID, message string) (result *Context) {
	start := s.now()
	logger := observability.LoggerFromContext(ctx, s.logger)
	seasonal := Seasonal(start)
	current := CurrentMessage{Text: message, Timestamp: start}

	defer func() {
		if r := recover(); r != nil {
			result = s.degrade(logger, seasonal, current, fmt.Errorf("panic: %v", r), start)
		}
		observability.ContextAssemblyDuration.Observe(time.Since(start).Seconds())
	}()

	var (
		user Facet[UserFacet]
		conv Facet[ConversationFacet]
	)

	// Facet loaders absorb their own errors and panics, so a failure in one
	// leaves the other facet intact.
	var g errgroup.Group
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				user = s.unavailableUser(ctx, "user lookup panicked", fmt.Errorf("panic: %v", r))
			}
		}()
		user = s.userFacet(ctx, userID)
		return nil
	})
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				conv = s.unavailableConv(ctx, "conversation lookup panicked", fmt.Errorf("panic: %v", r))
			}
		}()
		conv = s.conversationFacet(ctx, threadID)
		return nil
	})
	_ = g.Wait()

	wx := s.weatherFacet(ctx, user)

	return &Context{
		User:           user,
		Weather:        wx,
		Conversation:   conv,
		Seasonal:       seasonal,
		CurrentMessage: current,
		Metadata: Metadata{
			HasUserContext:         user.OK(),
			HasWeatherContext:      wx.OK(),
			HasConversationContext: conv.OK(),
			AssembledAt:            start,
		},
	}
}

func (s *Service) degrade(logger *zap.Logger, seasonal SeasonalFacet, current CurrentMessage, err error, at time.Time) *Context {
	observability.ContextDegradedTotal.Inc()
	logger.Error("context assembly failed, using degraded context", zap.Error(err))
	return degradedContext(seasonal, current, err.Error(), at)
}

func userKey(userID string) string {
	return "user:" + userID
}

func conversationPrefix(threadID string) string {
	return "conversation:" + threadID + ":"
}

func (s *Service) userFacet(ctx context.Context, userID string) Facet[UserFacet] {
	if strings.TrimSpace(userID) == "" {
		return s.unavailableUser(ctx, "no user id", nil)
	}

	key := userKey(userID)
	if v, ok := s.cache.Get(key); ok {
		if f, ok := v.(UserFacet); ok {
			return Present(f)
		}
	}

	u, err := s.users.FindUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.unavailableUser(ctx, "user not found", nil)
		}
		return s.unavailableUser(ctx, "user lookup failed", err)
	}
	if u == nil {
		return s.unavailableUser(ctx, "user not found", nil)
	}

	f := userFacetFrom(u)
	s.cache.Set(key, f, UserTTL)
	return Present(f)
}

func userFacetFrom(u *models.User) UserFacet {
	crops := u.CropTypes
	if crops == nil {
		crops = []string{}
	}
	return UserFacet{
		Location:    orDefault(u.Location, models.NotSpecified),
		FarmSize:    orDefault(u.FarmSize, models.NotSpecified),
		CropTypes:   crops,
		Experience:  orDefault(u.Experience, DefaultExperience),
		Language:    orDefault(u.Language, DefaultLanguage),
		DisplayName: orDefault(u.DisplayName, DefaultDisplayName),
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (s *Service) conversationFacet(ctx context.Context, threadID string) Facet[ConversationFacet] {
	if strings.TrimSpace(threadID) == "" {
		return Absent[ConversationFacet]("no thread id")
	}

	key := fmt.Sprintf("%s%d", conversationPrefix(threadID), s.messageLimit)
	if v, ok := s.cache.Get(key); ok {
		if f, ok := v.(ConversationFacet); ok {
			return Present(f)
		}
	}

	thread, err := s.threads.FindThreadByID(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.unavailableConv(ctx, "thread not found", nil)
		}
		return s.unavailableConv(ctx, "thread lookup failed", err)
	}
	if thread == nil {
		return s.unavailableConv(ctx, "thread not found", nil)
	}

	msgs, err := s.threads.FindRecentMessages(ctx, threadID, s.messageLimit)
	if err != nil {
		return s.unavailableConv(ctx, "message lookup failed", err)
	}

	recent := make([]ConversationMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		recent = append(recent, ConversationMessage{
			Role:      m.Role,
			Content:   truncate(m.Content, MaxMessageChars),
			Timestamp: m.CreatedAt,
		})
	}

	f := ConversationFacet{
		Category:       thread.Category,
		Title:          thread.Title,
		Description:    thread.Description,
		CropType:       thread.CropType,
		Season:         thread.Season,
		UrgencyLevel:   thread.UrgencyLevel,
		RecentMessages: recent,
	}
	s.cache.Set(key, f, ConversationTTL)
	return Present(f)
}

// truncate keeps at most n runes and marks the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func (s *Service) weatherFacet(ctx context.Context, user Facet[UserFacet]) Facet[models.ContextWeather] {
	u, ok := user.Get()
	if !ok {
		return Absent[models.ContextWeather]("no user profile")
	}
	if weather.IsUnspecified(u.Location) {
		return Absent[models.ContextWeather]("location not specified")
	}
	w, ok := s.weather.GetWeatherForContext(ctx, u.Location)
	if !ok {
		observability.ContextFacetUnavailableTotal.WithLabelValues("weather").Inc()
		return Absent[models.ContextWeather]("weather unavailable")
	}
	return Present(w)
}

func (s *Service) unavailableUser(ctx context.Context, reason string, err error) Facet[UserFacet] {
	s.logUnavailable(ctx, "user", reason, err)
	return Absent[UserFacet](reason)
}

func (s *Service) unavailableConv(ctx context.Context, reason string, err error) Facet[ConversationFacet] {
	s.logUnavailable(ctx, "conversation", reason, err)
	return Absent[ConversationFacet](reason)
}

func (s *Service) logUnavailable(ctx context.Context, facet, reason string, err error) {
	observability.ContextFacetUnavailableTotal.WithLabelValues(facet).Inc()
	fields := []zap.Field{zap.String("facet", facet), zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	observability.LoggerFromContext(ctx, s.logger).Warn("context facet unavailable", fields...)
}

// PreloadUserWeather warms the weather cache for a user's location.
// Failures are logged and otherwise ignored.
func (s *Service) PreloadUserWeather(ctx context.Context, userID string) {
	logger := observability.LoggerFromContext(ctx, s.logger)
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("weather preload failed", zap.String("userId", userID), zap.Any("panic", r))
		}
	}()

	user := s.userFacet(ctx, userID)
	u, ok := user.Get()
	if !ok || weather.IsUnspecified(u.Location) {
		return
	}
	if _, ok := s.weather.GetWeatherForContext(ctx, u.Location); !ok {
		logger.Warn("weather preload failed", zap.String("userId", userID), zap.String("location", u.Location))
	}
}

// InvalidateUser drops the cached profile facet after a profile change.
func (s *Service) InvalidateUser(userID string) {
	s.cache.Delete(userKey(userID))
}

// InvalidateConversation drops every cached conversation facet for the thread.
func (s *Service) InvalidateConversation(threadID string) {
	s.cache.DeletePrefix(conversationPrefix(threadID))
}

// CacheStats returns a snapshot of both caches.
func (s *Service) CacheStats() CacheStats {
	stats := CacheStats{ContextCache: s.cache.Stats()}
	if s.weatherCache != nil {
		stats.WeatherCache = s.weatherCache.Stats()
	}
	return stats
}

// ClearCache empties both caches and resets their counters.
func (s *Service) ClearCache() {
	s.cache.Clear()
	if s.weatherCache != nil {
		s.weatherCache.Clear()
	}
}
