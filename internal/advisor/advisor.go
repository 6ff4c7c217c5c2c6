// Package advisor runs a chat turn: context assembly, prompt composition, the
// LLM call, persistence and thread titling.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kjstillabower/krishi-advisor-service/internal/contextsvc"
	"github.com/kjstillabower/krishi-advisor-service/internal/models"
	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
)

var (
	ErrAIUnavailable = errors.New("AI service unavailable")
	ErrForbidden     = errors.New("thread belongs to another user")
	ErrEmptyMessage  = errors.New("message is empty")
)

// DefaultHistoryLimit is how many prior messages are replayed to the model.
const DefaultHistoryLimit = 20

const systemPrompt = `You are Digital Krishi Officer, an agricultural advisor for farmers in India.
Give practical, safe and locally relevant advice on crops, pests, soil, irrigation, weather and markets.
Prefer simple language, name specific products or practices only when you are confident, and
recommend contacting the local Krishi Bhavan or agricultural officer for anything risky.`

const titlePrompt = `Write a short title (at most 6 words) for a farming conversation that starts with the user's message.
Reply with the title only.`

// Store is the persistence the advisor needs.
type Store interface {
	FindThreadByID(ctx context.Context, id string) (*models.Thread, error)
	FindRecentMessages(ctx context.Context, threadID string, limit int) ([]models.Message, error)
	AddMessage(ctx context.Context, m *models.Message) error
	UpdateThreadTitle(ctx context.Context, id, title string) error
}

// ContextBuilder assembles and invalidates per-turn context.
type ContextBuilder interface {
	BuildCompleteContext(ctx context.Context, userID, threadID, message string) *contextsvc.Context
	InvalidateConversation(threadID string)
}

// Reply is the outcome of a chat turn.
type Reply struct {
	UserMessage      models.Message      `json:"userMessage"`
	AssistantMessage models.Message      `json:"assistantMessage"`
	ThreadTitle      string              `json:"threadTitle,omitempty"`
	Context          contextsvc.Metadata `json:"contextMetadata"`
}

// Advisor answers farmer questions.
type Advisor struct {
	store        Store
	contexts     ContextBuilder
	llm          LLM
	logger       *zap.Logger
	historyLimit int
}

// New creates an Advisor. A nil logger discards output.
func New(store Store, contexts ContextBuilder, llm LLM, logger *zap.Logger) *Advisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advisor{
		store:        store,
		contexts:     contexts,
		llm:          llm,
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
	}
}

// SetHistoryLimit sets how many prior messages are replayed. n <= 0 keeps the default.
func (a *Advisor) SetHistoryLimit(n int) {
	if n > 0 {
		a.historyLimit = n
	}
}

// Chat answers text in the user's thread. The user message is stored before
// the model is called, so it survives an ErrAIUnavailable.
func (a *Advisor) Chat(ctx context.Context, userID, threadID, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	logger := observability.LoggerFromContext(ctx, a.logger)

	thread, err := a.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.UserID != userID {
		return nil, ErrForbidden
	}

	history, err := a.store.FindRecentMessages(ctx, threadID, a.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	firstTurn := len(history) == 0

	// Context is assembled before the new message is stored so the
	// conversation facet reflects prior turns only.
	turnCtx := a.contexts.BuildCompleteContext(ctx, userID, threadID, text)

	userMsg := models.Message{ThreadID: threadID, Role: models.RoleUser, Content: text}
	if err := a.store.AddMessage(ctx, &userMsg); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}
	defer a.contexts.InvalidateConversation(threadID)

	answer, err := a.llm.Complete(ctx, PurposeChat, composePrompt(turnCtx, history, text))
	if err != nil {
		logger.Error("chat completion failed", zap.String("threadId", threadID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAIUnavailable, err)
	}

	assistantMsg := models.Message{ThreadID: threadID, Role: models.RoleAssistant, Content: answer}
	if err := a.store.AddMessage(ctx, &assistantMsg); err != nil {
		return nil, fmt.Errorf("store assistant message: %w", err)
	}

	reply := &Reply{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Context:          turnCtx.Metadata,
	}

	if firstTurn && (thread.Title == "" || thread.Title == DefaultTitle) {
		title := a.GenerateTitle(ctx, text)
		if err := a.store.UpdateThreadTitle(ctx, threadID, title); err != nil {
			logger.Warn("thread title update failed", zap.String("threadId", threadID), zap.Error(err))
		} else {
			reply.ThreadTitle = title
		}
	}
	return reply, nil
}

// composePrompt orders the system prompt, the context preamble, prior turns
// (history arrives newest first) and the new message.
func composePrompt(c *contextsvc.Context, history []models.Message, text string) []Message {
	msgs := make([]Message, 0, len(history)+3)
	msgs = append(msgs,
		Message{Role: models.RoleSystem, Content: systemPrompt},
		Message{Role: models.RoleUser, Content: contextsvc.FormatContextForAI(c)},
	)
	for i := len(history) - 1; i >= 0; i-- {
		msgs = append(msgs, Message{Role: history[i].Role, Content: history[i].Content})
	}
	return append(msgs, Message{Role: models.RoleUser, Content: text})
}

// GenerateTitle asks the model for a thread title, falling back to the
// message's first words when the model is unavailable or unhelpful.
func (a *Advisor) GenerateTitle(ctx context.Context, firstMessage string) string {
	raw, err := a.llm.Complete(ctx, PurposeTitle, []Message{
		{Role: models.RoleSystem, Content: titlePrompt},
		{Role: models.RoleUser, Content: firstMessage},
	})
	if err != nil {
		observability.LoggerFromContext(ctx, a.logger).Debug("title generation failed", zap.Error(err))
		return FallbackTitle(firstMessage)
	}
	if title := CleanTitle(raw); title != "" {
		return title
	}
	return FallbackTitle(firstMessage)
}
