package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/exp/slog"

	"ChatAssistant/internal/domain"
	"ChatAssistant/internal/lib/logger/sl"
	"ChatAssistant/internal/services/assistant"
)

// POST /api/chat
func (a *API) chat(c *gin.Context) {
	var req domain.ChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, "invalid json body")
		return
	}

	res, err := a.svc.Chat(c.Request.Context(), assistant.ChatInput{
		Message:   req.Message,
		SessionID: req.SessionID,
	})
	if err != nil {
		a.fail(c, "chat failed", err)
		return
	}

	writeJSON(c, http.StatusOK, ChatResponse(res))
}

// POST /api/clear, the body may be empty.
func (a *API) clear(c *gin.Context) {
	var req domain.ClearReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErr(c, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := a.svc.Clear(c.Request.Context(), req.SessionID); err != nil {
		a.fail(c, "clear failed", err)
		return
	}

	writeJSON(c, http.StatusOK, domain.StatusResp{Success: true, Message: "Chat history cleared"})
}

// GET /api/history and /api/history/:sessionId
func (a *API) history(c *gin.Context) {
	recs, err := a.svc.History(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		a.fail(c, "history failed", err)
		return
	}
	if recs == nil {
		recs = []domain.ChatRecord{}
	}

	writeJSON(c, http.StatusOK, domain.HistoryResp{Success: true, History: recs})
}

// POST /api/feedback
func (a *API) feedback(c *gin.Context) {
	var req domain.FeedbackReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, "invalid json body")
		return
	}

	_, err := a.svc.SubmitFeedback(c.Request.Context(), assistant.FeedbackInput{
		MessageID:    req.MessageID,
		FeedbackType: req.FeedbackType,
		UserQuestion: req.UserQuestion,
		BotResponse:  req.BotResponse,
		SessionID:    req.SessionID,
	})
	if err != nil {
		a.fail(c, "feedback failed", err)
		return
	}

	writeJSON(c, http.StatusOK, domain.StatusResp{Success: true, Message: "Feedback saved successfully"})
}

// GET /api/unanswered
func (a *API) unanswered(c *gin.Context) {
	recs, err := a.svc.Unanswered(c.Request.Context())
	if err != nil {
		a.fail(c, "unanswered failed", err)
		return
	}
	if recs == nil {
		recs = []domain.FeedbackRecord{}
	}

	writeJSON(c, http.StatusOK, domain.UnansweredResp{Success: true, Count: len(recs), Queries: recs})
}

func (a *API) health(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "ok", "service": "assistant"})
}

func (a *API) fail(c *gin.Context, msg string, err error) {
	status, text := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		a.log.Error(msg, slog.String("path", c.FullPath()), sl.Err(err))
	}
	writeErr(c, status, text)
}
