package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const DefaultSessionID = "default"

type Role string

const (
	RoleUser      = Role("user")
	RoleAssistant = Role("assistant")
)

// Turn is one message of a conversation buffer.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type FeedbackType string

const (
	FeedbackNone     = FeedbackType("")
	FeedbackPositive = FeedbackType("positive")
	FeedbackNegative = FeedbackType("negative")
)

// ParseFeedbackType accepts only the values a caller may submit.
func ParseFeedbackType(s string) (FeedbackType, error) {
	switch FeedbackType(s) {
	case FeedbackPositive, FeedbackNegative:
		return FeedbackType(s), nil
	default:
		return FeedbackNone, fmt.Errorf("feedbackType must be %q or %q, got %q", FeedbackPositive, FeedbackNegative, s)
	}
}

// NeedsReview reports whether feedback of this type is queued for human follow-up.
func (f FeedbackType) NeedsReview() bool {
	return f == FeedbackNegative
}

// FeedbackNone is written as null.
func (f FeedbackType) MarshalJSON() ([]byte, error) {
	if f == FeedbackNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(f))
}

func (f *FeedbackType) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*f = FeedbackNone
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*f = FeedbackType(s)
	return nil
}

// ChatRecord is one persisted exchange of the chat log.
type ChatRecord struct {
	MessageID    string       `json:"messageId"`
	UserMessage  string       `json:"userMessage"`
	BotResponse  string       `json:"botResponse"`
	Timestamp    time.Time    `json:"timestamp"`
	SessionID    string       `json:"sessionId"`
	HasFeedback  bool         `json:"hasFeedback"`
	FeedbackType FeedbackType `json:"feedbackType"`
}

// FeedbackRecord keeps denormalized copies of the exchange so it can be reviewed
// after the chat record has expired.
type FeedbackRecord struct {
	MessageID    string       `json:"messageId"`
	UserQuestion string       `json:"userQuestion"`
	BotResponse  string       `json:"botResponse"`
	FeedbackType FeedbackType `json:"feedbackType"`
	SessionID    string       `json:"sessionId"`
	Timestamp    time.Time    `json:"timestamp"`
	NeedsReview  bool         `json:"needsReview"`
}

// -------------------- HTTP models --------------------

type ErrorResp struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type StatusResp struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ---------- POST /api/chat ----------
type ChatReq struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type ChatResp struct {
	Success   bool      `json:"success"`
	Response  string    `json:"response"`
	SessionID string    `json:"sessionId"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// ---------- POST /api/clear ----------
type ClearReq struct {
	SessionID string `json:"sessionId"`
}

// ---------- GET /api/history/:sessionId? ----------
type HistoryResp struct {
	Success bool         `json:"success"`
	History []ChatRecord `json:"history"`
}

// ---------- POST /api/feedback ----------
type FeedbackReq struct {
	MessageID    string `json:"messageId"`
	FeedbackType string `json:"feedbackType"`
	UserQuestion string `json:"userQuestion"`
	BotResponse  string `json:"botResponse"`
	SessionID    string `json:"sessionId"`
}

// ---------- GET /api/unanswered ----------
type UnansweredResp struct {
	Success bool             `json:"success"`
	Count   int              `json:"count"`
	Queries []FeedbackRecord `json:"queries"`
}
