package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/exp/slog"

	"ChatAssistant/internal/domain"
	"ChatAssistant/internal/services/assistant"
	"ChatAssistant/internal/services/completion"
)

type Assistant interface {
	Chat(ctx context.Context, in assistant.ChatInput) (assistant.ChatResult, error)
	Clear(ctx context.Context, sessionID string) error
	History(ctx context.Context, sessionID string) ([]domain.ChatRecord, error)
	SubmitFeedback(ctx context.Context, in assistant.FeedbackInput) (domain.FeedbackRecord, error)
	Unanswered(ctx context.Context) ([]domain.FeedbackRecord, error)
}

type API struct {
	log *slog.Logger
	svc Assistant
}

func NewAPI(log *slog.Logger, svc Assistant) *API {
	return &API{log: log, svc: svc}
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeErr(c *gin.Context, status int, msg string) {
	writeJSON(c, status, domain.ErrorResp{Success: false, Error: msg})
}

// ErrorStatus maps an assistant error to the HTTP status and the message shown to
// the caller. It is shared with the WebSocket transport.
func ErrorStatus(err error) (int, string) {
	var reqErr *assistant.RequestError
	if errors.As(err, &reqErr) {
		return http.StatusBadRequest, reqErr.Message
	}

	var upstream *completion.UpstreamError
	if errors.As(err, &upstream) {
		return http.StatusInternalServerError, upstream.Error()
	}

	switch {
	case errors.Is(err, assistant.ErrPersistence):
		return http.StatusInternalServerError, "failed to save data"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// ChatResponse is the body of a successful chat exchange on every transport.
func ChatResponse(res assistant.ChatResult) domain.ChatResp {
	return domain.ChatResp{
		Success:   true,
		Response:  res.Text,
		SessionID: res.SessionID,
		MessageID: res.MessageID,
		Timestamp: res.Timestamp,
	}
}
