package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/krishi-advisor-service/internal/advisor"
	"github.com/kjstillabower/krishi-advisor-service/internal/models"
	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
	"github.com/kjstillabower/krishi-advisor-service/internal/validation"
)

type createThreadRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	CropType     string `json:"cropType"`
	Season       string `json:"season"`
	UrgencyLevel int    `json:"urgencyLevel"`
}

type chatRequest struct {
	Message string `json:"message"`
}

// ListThreads handles GET /threads. includeArchived=true also lists archived threads.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("includeArchived"))
	threads, err := h.store.ListThreads(r.Context(), mustUserID(r), includeArchived)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if threads == nil {
		threads = []models.Thread{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": threads})
}

// CreateThread handles POST /threads.
func (h *Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	category, err := validation.ValidateCategory(req.Category)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CATEGORY", err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = advisor.DefaultTitle
	}
	thread := &models.Thread{
		UserID:       mustUserID(r),
		Title:        title,
		Description:  strings.TrimSpace(req.Description),
		Category:     category,
		CropType:     strings.ToLower(strings.TrimSpace(req.CropType)),
		Season:       strings.ToLower(strings.TrimSpace(req.Season)),
		UrgencyLevel: req.UrgencyLevel,
	}
	if err := h.store.CreateThread(r.Context(), thread); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

// ownedThread loads the path thread and checks it belongs to the caller.
// It writes the error response and returns nil on failure.
func (h *Handler) ownedThread(w http.ResponseWriter, r *http.Request) *models.Thread {
	thread, err := h.store.FindThreadByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeStoreError(w, r, err)
		return nil
	}
	if thread.UserID != mustUserID(r) {
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", advisor.ErrForbidden.Error())
		return nil
	}
	return thread
}

// ListMessages handles GET /threads/{id}/messages.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	thread := h.ownedThread(w, r)
	if thread == nil {
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), thread.ID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"thread": thread, "messages": msgs})
}

// Chat handles POST /threads/{id}/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	text, err := validation.ValidateMessage(req.Message)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MESSAGE", err.Error())
		return
	}

	reply, err := h.advisor.Chat(r.Context(), mustUserID(r), mux.Vars(r)["id"], text)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reply)
	case errors.Is(err, advisor.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, advisor.ErrEmptyMessage):
		writeError(w, r, http.StatusBadRequest, "INVALID_MESSAGE", err.Error())
	case errors.Is(err, advisor.ErrAIUnavailable):
		observability.LoggerFromContext(r.Context(), h.logger).Warn("chat unavailable", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "AI_UNAVAILABLE", "The advisor is temporarily unavailable, please try again")
	default:
		h.writeStoreError(w, r, err)
	}
}
