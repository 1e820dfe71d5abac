package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/exp/slog"

	"ChatAssistant/internal/config"
	"ChatAssistant/internal/domain"
	"ChatAssistant/internal/lib/logger/sl"
)

// UpstreamError is returned for every failed provider call: non-2xx, transport
// failure, timeout or an undecodable body. Status is 0 when no response arrived.
type UpstreamError struct {
	Status  int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("completion provider returned %d: %s", e.Status, e.Message)
	}
	return "completion provider unavailable: " + e.Message
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

type Client struct {
	api         *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	budget      int
	counter     TokenCounter
	log         *slog.Logger
}

type Option func(*Client)

// WithTokenCounter replaces the tiktoken counter used for the token budget.
func WithTokenCounter(counter TokenCounter) Option {
	return func(c *Client) {
		c.counter = counter
	}
}

func New(log *slog.Logger, cfg config.Completion, opts ...Option) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	c := &Client{
		api:         openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		budget:      cfg.TokenBudget,
		log:         log.With(slog.String("component", "completion"), slog.String("model", cfg.Model)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.budget > 0 && c.counter == nil {
		c.counter = NewTiktokenCounter(cfg.Model)
	}
	return c
}

// Complete sends the conversation to the provider and returns the first choice.
// turns is never modified.
func (c *Client) Complete(ctx context.Context, turns []domain.Turn) (string, error) {
	const op = "completion.Complete"

	log := c.log.With(slog.String("op", op))

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	sent := c.fitBudget(log, turns)
	messages := make([]openai.ChatCompletionMessage, 0, len(sent))
	for _, t := range sent {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	log.Debug("-> request", slog.Int("turns", len(messages)))

	started := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		upstream := toUpstreamError(err)
		log.Error("completion failed", slog.Int("status", upstream.Status), sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, upstream)
	}

	if len(resp.Choices) == 0 {
		log.Warn("provider returned no choices")
		return "", nil
	}

	text := resp.Choices[0].Message.Content
	log.Debug("<- response",
		slog.Duration("took", time.Since(started)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
		slog.String("text", trimLong(text)),
	)
	return text, nil
}

func toUpstreamError(err error) *UpstreamError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Status: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Error()
		if len(reqErr.Body) > 0 {
			msg = trimLong(string(reqErr.Body))
		}
		return &UpstreamError{Status: reqErr.HTTPStatusCode, Message: msg, Err: err}
	}
	return &UpstreamError{Message: err.Error(), Err: err}
}

func trimLong(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	if len(s) <= 200 {
		return s
	}
	return s[:200] + "...(truncated)"
}
