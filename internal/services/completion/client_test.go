package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/exp/slog"

	"ChatAssistant/internal/config"
	"ChatAssistant/internal/domain"
)

type capturedRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type fakeProvider struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
	delay    time.Duration
}

func (p *fakeProvider) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req capturedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		p.mu.Lock()
		p.requests = append(p.requests, req)
		p.mu.Unlock()

		if p.delay > 0 {
			select {
			case <-time.After(p.delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(p.status)
		_, _ = io.WriteString(w, p.body)
	}
}

func newTestClient(t *testing.T, p *fakeProvider, mutate func(*config.Completion), opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(p.handler(t))
	t.Cleanup(srv.Close)

	cfg := config.Completion{
		BaseURL:     srv.URL + "/v1",
		APIKey:      "test-key",
		Model:       "llama-3.3-70b-versatile",
		Temperature: 0.3,
		MaxTokens:   1000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, cfg, opts...)
}

const okBody = `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`

func TestCompleteReturnsFirstChoice(t *testing.T) {
	p := &fakeProvider{status: http.StatusOK, body: okBody}
	c := newTestClient(t, p, nil)

	turns := []domain.Turn{
		{Role: domain.RoleUser, Content: "Hello"},
		{Role: domain.RoleAssistant, Content: "Hey"},
		{Role: domain.RoleUser, Content: "How are you?"},
	}
	text, err := c.Complete(context.Background(), turns)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "Hi there" {
		t.Fatalf("unexpected text %q", text)
	}

	if len(p.requests) != 1 {
		t.Fatalf("expected one request, got %d", len(p.requests))
	}
	req := p.requests[0]
	if req.Model != "llama-3.3-70b-versatile" || req.MaxTokens != 1000 {
		t.Fatalf("unexpected request params: %+v", req)
	}
	if len(req.Messages) != 3 || req.Messages[2].Role != "user" || req.Messages[2].Content != "How are you?" {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
}

func TestCompleteNoChoicesYieldsEmptyText(t *testing.T) {
	p := &fakeProvider{status: http.StatusOK, body: `{"id":"x","choices":[]}`}
	c := newTestClient(t, p, nil)

	text, err := c.Complete(context.Background(), []domain.Turn{{Role: domain.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty text, got %q", text)
	}
}

func TestCompleteProviderErrorIsUpstreamError(t *testing.T) {
	p := &fakeProvider{
		status: http.StatusTooManyRequests,
		body:   `{"error":{"message":"Rate limit reached","type":"tokens","code":"rate_limit_exceeded"}}`,
	}
	c := newTestClient(t, p, nil)

	_, err := c.Complete(context.Background(), []domain.Turn{{Role: domain.RoleUser, Content: "hi"}})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Status != http.StatusTooManyRequests {
		t.Fatalf("unexpected status %d", upstream.Status)
	}
	if !strings.Contains(upstream.Message, "Rate limit reached") {
		t.Fatalf("provider message lost: %q", upstream.Message)
	}
}

func TestCompleteUndecodableErrorBody(t *testing.T) {
	p := &fakeProvider{status: http.StatusBadGateway, body: `<html>bad gateway</html>`}
	c := newTestClient(t, p, nil)

	_, err := c.Complete(context.Background(), []domain.Turn{{Role: domain.RoleUser, Content: "hi"}})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Status != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", upstream.Status)
	}
}

func TestCompleteTimeout(t *testing.T) {
	p := &fakeProvider{status: http.StatusOK, body: okBody, delay: time.Second}
	c := newTestClient(t, p, func(cfg *config.Completion) { cfg.Timeout = 50 * time.Millisecond })

	_, err := c.Complete(context.Background(), []domain.Turn{{Role: domain.RoleUser, Content: "hi"}})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded in chain, got %v", err)
	}
}

// lenCounter counts one token per byte of content.
type lenCounter struct{}

func (lenCounter) Count(turns []domain.Turn) (int, error) {
	n := 0
	for _, t := range turns {
		n += len(t.Content)
	}
	return n, nil
}

func TestCompleteTrimsRequestCopyToBudget(t *testing.T) {
	p := &fakeProvider{status: http.StatusOK, body: okBody}
	c := newTestClient(t, p, func(cfg *config.Completion) { cfg.TokenBudget = 10 }, WithTokenCounter(lenCounter{}))

	turns := []domain.Turn{
		{Role: domain.RoleUser, Content: "aaaaaaaaaa"},
		{Role: domain.RoleAssistant, Content: "bbbbb"},
		{Role: domain.RoleUser, Content: "ccccc"},
	}
	if _, err := c.Complete(context.Background(), turns); err != nil {
		t.Fatalf("complete: %v", err)
	}

	sent := p.requests[0].Messages
	if len(sent) != 2 || sent[0].Content != "bbbbb" || sent[1].Content != "ccccc" {
		t.Fatalf("unexpected trimmed request: %+v", sent)
	}
	if len(turns) != 3 || turns[0].Content != "aaaaaaaaaa" {
		t.Fatalf("caller slice modified: %+v", turns)
	}
}

func TestCompleteKeepsFinalTurnOverBudget(t *testing.T) {
	p := &fakeProvider{status: http.StatusOK, body: okBody}
	c := newTestClient(t, p, func(cfg *config.Completion) { cfg.TokenBudget = 1 }, WithTokenCounter(lenCounter{}))

	turns := []domain.Turn{
		{Role: domain.RoleUser, Content: "old"},
		{Role: domain.RoleUser, Content: "a very long final question"},
	}
	if _, err := c.Complete(context.Background(), turns); err != nil {
		t.Fatalf("complete: %v", err)
	}
	sent := p.requests[0].Messages
	if len(sent) != 1 || sent[0].Content != "a very long final question" {
		t.Fatalf("final user turn must be kept: %+v", sent)
	}
}
