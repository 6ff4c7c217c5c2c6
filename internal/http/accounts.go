package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/krishi-advisor-service/internal/auth"
	"github.com/kjstillabower/krishi-advisor-service/internal/models"
	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
	"github.com/kjstillabower/krishi-advisor-service/internal/store"
	"github.com/kjstillabower/krishi-advisor-service/internal/validation"
)

// preloadTimeout bounds the background weather preload after login or a location change.
const preloadTimeout = 10 * time.Second

type profileRequest struct {
	DisplayName *string   `json:"displayName"`
	Location    *string   `json:"location"`
	FarmSize    *string   `json:"farmSize"`
	CropTypes   *[]string `json:"cropTypes"`
	Experience  *string   `json:"experienceLevel"`
	Language    *string   `json:"preferredLanguage"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	profileRequest
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      *models.User `json:"user"`
}

// toUpdate validates the request into a store update. Location may be cleared with "".
func (p profileRequest) toUpdate() (store.ProfileUpdate, error) {
	var u store.ProfileUpdate
	if p.DisplayName != nil {
		name, err := validation.ValidateDisplayName(*p.DisplayName)
		if err != nil {
			return u, err
		}
		u.DisplayName = &name
	}
	if p.Location != nil {
		loc := *p.Location
		if loc != "" {
			var err error
			if loc, err = validation.ValidateLocation(loc, validation.LocationMinLen, validation.LocationMaxLen); err != nil {
				return u, err
			}
		}
		u.Location = &loc
	}
	if p.FarmSize != nil {
		u.FarmSize = p.FarmSize
	}
	if p.CropTypes != nil {
		crops, err := validation.NormalizeCropTypes(*p.CropTypes)
		if err != nil {
			return u, err
		}
		u.CropTypes = &crops
	}
	if p.Experience != nil {
		exp, err := validation.ValidateExperience(*p.Experience)
		if err != nil {
			return u, err
		}
		u.Experience = &exp
	}
	if p.Language != nil {
		u.Language = p.Language
	}
	return u, nil
}

// Register handles POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email, err := validation.ValidateEmail(req.Email)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_EMAIL", err.Error())
		return
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		writeError(w, r, http.StatusBadRequest, "WEAK_PASSWORD", err.Error())
		return
	}
	profile, err := req.profileRequest.toUpdate()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PROFILE", err.Error())
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	user := &models.User{Email: email, PasswordHash: hash}
	applyProfile(user, profile)
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	observability.LoggerFromContext(r.Context(), h.logger).Info("user registered", zap.String("userId", user.ID))
	h.respondWithToken(w, r, http.StatusCreated, user)
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.store.FindUserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", auth.ErrInvalidCredentials.Error())
		return
	}
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", auth.ErrInvalidCredentials.Error())
		return
	}
	h.preloadWeather(r.Context(), user.ID)
	h.respondWithToken(w, r, http.StatusOK, user)
}

func (h *Handler) respondWithToken(w http.ResponseWriter, r *http.Request, status int, user *models.User) {
	token, exp, err := h.tokens.Issue(user.ID)
	if err != nil {
		observability.LoggerFromContext(r.Context(), h.logger).Error("token issue failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Internal error")
		return
	}
	writeJSON(w, status, authResponse{Token: token, ExpiresAt: exp, User: user})
}

// GetProfile handles GET /profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.FindUserByID(r.Context(), mustUserID(r))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateProfile handles PUT /profile. The cached user facet is dropped and,
// when the location changed, weather for the new location is preloaded.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID := mustUserID(r)
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	update, err := req.toUpdate()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_PROFILE", err.Error())
		return
	}
	user, err := h.store.UpdateProfile(r.Context(), userID, update)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if h.contexts != nil {
		h.contexts.InvalidateUser(userID)
	}
	if update.Location != nil {
		h.preloadWeather(r.Context(), userID)
	}
	writeJSON(w, http.StatusOK, user)
}

// preloadWeather warms the weather cache for the user without delaying the response.
func (h *Handler) preloadWeather(ctx context.Context, userID string) {
	if h.contexts == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		pctx, cancel := context.WithTimeout(bg, preloadTimeout)
		defer cancel()
		h.contexts.PreloadUserWeather(pctx, userID)
	}()
}

func applyProfile(u *models.User, p store.ProfileUpdate) {
	if p.DisplayName != nil {
		u.DisplayName = *p.DisplayName
	}
	if p.Location != nil {
		u.Location = *p.Location
	}
	if p.FarmSize != nil {
		u.FarmSize = *p.FarmSize
	}
	if p.CropTypes != nil {
		u.CropTypes = *p.CropTypes
	}
	if p.Experience != nil {
		u.Experience = *p.Experience
	}
	if p.Language != nil {
		u.Language = *p.Language
	}
}
