package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/kjstillabower/krishi-advisor-service/internal/circuitbreaker"
	"github.com/kjstillabower/krishi-advisor-service/internal/observability"
	"github.com/kjstillabower/krishi-advisor-service/internal/traffic"
)

// LLM call purposes, used as metric labels.
const (
	PurposeChat  = "chat"
	PurposeTitle = "title"
)

var errEmptyCompletion = errors.New("empty completion")

// Message is one chat-completion message.
type Message struct {
	Role    string
	Content string
}

// LLM completes a conversation.
type LLM interface {
	Complete(ctx context.Context, purpose string, messages []Message) (string, error)
}

// LLMConfig configures the OpenAI-compatible aggregator endpoint.
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float32
}

// OpenAIClient talks to any OpenAI-compatible chat completion API.
type OpenAIClient struct {
	client  *openai.Client
	cfg     LLMConfig
	breaker *circuitbreaker.CircuitBreaker
}

// NewOpenAIClient builds a client for cfg. BaseURL selects the aggregator.
func NewOpenAIClient(cfg LLMConfig) *OpenAIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(clientConfig), cfg: cfg}
}

// SetCircuitBreaker guards completions with cb. nil disables the breaker.
func (c *OpenAIClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// Complete implements LLM.
func (c *OpenAIClient) Complete(ctx context.Context, purpose string, messages []Message) (string, error) {
	start := time.Now()
	var out string
	call := func() error {
		var err error
		out, err = c.complete(ctx, messages)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
	} else {
		err = call()
	}

	status := "success"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	observability.LLMCallsTotal.WithLabelValues(purpose, status).Inc()
	observability.LLMCallDuration.WithLabelValues(purpose).Observe(time.Since(start).Seconds())
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		traffic.RecordOutcome(traffic.DependencyLLM, err)
	}
	return out, err
}

func (c *OpenAIClient) complete(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errEmptyCompletion
	}
	return content, nil
}
