package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slog"

	"ChatAssistant/internal/domain"
	"ChatAssistant/internal/lib/logger/sl"
	"ChatAssistant/internal/storage"
)

const (
	defaultIDAttempts = 3
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrPersistence    = errors.New("persistence failed")
)

// RequestError describes a rejected caller input. It matches ErrInvalidRequest.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

func (e *RequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func invalidRequest(msg string) error {
	return &RequestError{Message: msg}
}

// Buffer holds the per-session conversation context sent to the model.
type Buffer interface {
	Append(ctx context.Context, sessionID string, turns ...domain.Turn) error
	Get(ctx context.Context, sessionID string) ([]domain.Turn, error)
	Clear(ctx context.Context, sessionID string) error
}

// Pinner is implemented by buffers that may evict sessions on their own. A pinned
// session survives until unpinned.
type Pinner interface {
	Pin(sessionID string) (unpin func())
}

type Completer interface {
	Complete(ctx context.Context, turns []domain.Turn) (string, error)
}

type ChatLog interface {
	SaveChat(ctx context.Context, rec domain.ChatRecord) (domain.ChatRecord, error)
	MarkFeedback(ctx context.Context, messageID string, feedbackType domain.FeedbackType) (bool, error)
	ListChats(ctx context.Context, sessionID string) ([]domain.ChatRecord, error)
}

type FeedbackLog interface {
	UpsertFeedback(ctx context.Context, rec domain.FeedbackRecord) (domain.FeedbackRecord, error)
	ListNeedsReview(ctx context.Context) ([]domain.FeedbackRecord, error)
}

// FeedbackRecorder is implemented by stores that can upsert feedback and flag the
// chat record atomically.
type FeedbackRecorder interface {
	RecordFeedback(ctx context.Context, rec domain.FeedbackRecord) (domain.FeedbackRecord, bool, error)
}

type Deps struct {
	Buffer    Buffer
	Completer Completer
	Chats     ChatLog
	Feedback  FeedbackLog
}

type Service struct {
	log       *slog.Logger
	buffer    Buffer
	completer Completer
	chats     ChatLog
	feedback  FeedbackLog

	locks      *sessionLocks
	strict     bool
	idAttempts int
	newID      func() (string, error)
	now        func() time.Time
}

type Option func(*Service)

// WithStrictPersistence makes Chat fail with ErrPersistence when the chat record
// cannot be stored. By default the failure is logged and the reply still returned.
func WithStrictPersistence(strict bool) Option {
	return func(s *Service) {
		s.strict = strict
	}
}

// WithIDAttempts bounds how many message ids are tried when the store reports a
// collision.
func WithIDAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.idAttempts = n
		}
	}
}

func WithIDGenerator(gen func() (string, error)) Option {
	return func(s *Service) {
		s.newID = gen
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(log *slog.Logger, deps Deps, opts ...Option) *Service {
	s := &Service{
		log:        log.With(slog.String("component", "assistant")),
		buffer:     deps.Buffer,
		completer:  deps.Completer,
		chats:      deps.Chats,
		feedback:   deps.Feedback,
		locks:      newSessionLocks(),
		idAttempts: defaultIDAttempts,
		newID:      newMessageID,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ChatInput struct {
	Message   string
	SessionID string
}

type ChatResult struct {
	Text      string
	SessionID string
	MessageID string
	Timestamp time.Time
	// Persisted is false when the chat record could not be stored.
	Persisted bool
}

func sessionOrDefault(sessionID string) string {
	if sessionID == "" {
		return domain.DefaultSessionID
	}
	return sessionID
}

// Chat runs one exchange: the user turn is buffered, the model answers from the
// whole session context, and the exchange is logged under a fresh message id.
func (s *Service) Chat(ctx context.Context, in ChatInput) (ChatResult, error) {
	const op = "assistant.Chat"

	if strings.TrimSpace(in.Message) == "" {
		return ChatResult{}, fmt.Errorf("%s: %w", op, invalidRequest("Message is required"))
	}
	sessionID := sessionOrDefault(in.SessionID)

	log := s.log.With(slog.String("op", op), slog.String("session_id", sessionID))

	unlock, err := s.locks.lock(ctx, sessionID)
	if err != nil {
		return ChatResult{}, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	if pinner, ok := s.buffer.(Pinner); ok {
		defer pinner.Pin(sessionID)()
	}

	if err := s.buffer.Append(ctx, sessionID, domain.Turn{Role: domain.RoleUser, Content: in.Message}); err != nil {
		return ChatResult{}, fmt.Errorf("%s: append user turn: %w", op, err)
	}

	turns, err := s.buffer.Get(ctx, sessionID)
	if err != nil {
		return ChatResult{}, fmt.Errorf("%s: read buffer: %w", op, err)
	}

	reply, err := s.completer.Complete(ctx, turns)
	if err != nil {
		log.Warn("completion failed", sl.Err(err))
		return ChatResult{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.buffer.Append(ctx, sessionID, domain.Turn{Role: domain.RoleAssistant, Content: reply}); err != nil {
		return ChatResult{}, fmt.Errorf("%s: append assistant turn: %w", op, err)
	}

	rec, err := s.saveChat(ctx, domain.ChatRecord{
		UserMessage: in.Message,
		BotResponse: reply,
		SessionID:   sessionID,
	})
	if err != nil {
		if s.strict {
			log.Error("failed to save chat", sl.Err(err))
			return ChatResult{}, fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
		}
		log.Warn("failed to save chat, replying anyway", sl.Err(err))
		return ChatResult{
			Text:      reply,
			SessionID: sessionID,
			MessageID: rec.MessageID,
			Timestamp: s.now().UTC(),
		}, nil
	}

	log.Debug("chat saved", slog.String("message_id", rec.MessageID))

	return ChatResult{
		Text:      reply,
		SessionID: sessionID,
		MessageID: rec.MessageID,
		Timestamp: rec.Timestamp,
		Persisted: true,
	}, nil
}

// saveChat mints a message id and stores the record, re-minting on collision. On
// failure the returned record still carries the last minted id.
func (s *Service) saveChat(ctx context.Context, rec domain.ChatRecord) (domain.ChatRecord, error) {
	var lastErr error
	for attempt := 0; attempt < s.idAttempts; attempt++ {
		id, err := s.newID()
		if err != nil {
			return rec, fmt.Errorf("mint message id: %w", err)
		}
		rec.MessageID = id

		saved, err := s.chats.SaveChat(ctx, rec)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, storage.ErrMessageIDExists) {
			return rec, err
		}
		s.log.Warn("message id collision, re-minting", slog.String("message_id", id))
		lastErr = err
	}
	return rec, fmt.Errorf("no free message id after %d attempts: %w", s.idAttempts, lastErr)
}

// Clear drops the session's conversation context. The chat log is kept.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	const op = "assistant.Clear"

	sessionID = sessionOrDefault(sessionID)

	unlock, err := s.locks.lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	if err := s.buffer.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("session cleared", slog.String("session_id", sessionID))
	return nil
}

// History lists chat records of one session, or of every session when sessionID
// is empty, oldest first.
func (s *Service) History(ctx context.Context, sessionID string) ([]domain.ChatRecord, error) {
	const op = "assistant.History"

	recs, err := s.chats.ListChats(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return recs, nil
}

type FeedbackInput struct {
	MessageID    string
	FeedbackType string
	UserQuestion string
	BotResponse  string
	SessionID    string
}

// SubmitFeedback records feedback for a message id and flags the matching chat
// record. The chat record does not have to exist.
func (s *Service) SubmitFeedback(ctx context.Context, in FeedbackInput) (domain.FeedbackRecord, error) {
	const op = "assistant.SubmitFeedback"

	if in.MessageID == "" || in.FeedbackType == "" {
		return domain.FeedbackRecord{}, fmt.Errorf("%s: %w", op, invalidRequest("messageId and feedbackType are required"))
	}
	feedbackType, err := domain.ParseFeedbackType(in.FeedbackType)
	if err != nil {
		return domain.FeedbackRecord{}, fmt.Errorf("%s: %w", op, invalidRequest("feedbackType must be positive or negative"))
	}

	log := s.log.With(slog.String("op", op), slog.String("message_id", in.MessageID))

	rec := domain.FeedbackRecord{
		MessageID:    in.MessageID,
		UserQuestion: in.UserQuestion,
		BotResponse:  in.BotResponse,
		FeedbackType: feedbackType,
		SessionID:    sessionOrDefault(in.SessionID),
		NeedsReview:  feedbackType.NeedsReview(),
	}

	if recorder, ok := s.feedback.(FeedbackRecorder); ok {
		saved, found, err := recorder.RecordFeedback(ctx, rec)
		if err != nil {
			log.Error("failed to record feedback", sl.Err(err))
			return domain.FeedbackRecord{}, fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
		}
		if !found {
			log.Debug("feedback for unknown chat record")
		}
		return saved, nil
	}

	saved, err := s.feedback.UpsertFeedback(ctx, rec)
	if err != nil {
		log.Error("failed to upsert feedback", sl.Err(err))
		return domain.FeedbackRecord{}, fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}

	found, err := s.chats.MarkFeedback(ctx, in.MessageID, feedbackType)
	switch {
	case err != nil:
		log.Warn("feedback saved but chat record not flagged", sl.Err(err))
	case !found:
		log.Debug("feedback for unknown chat record")
	}

	return saved, nil
}

// Unanswered lists negative feedback awaiting review, newest first.
func (s *Service) Unanswered(ctx context.Context) ([]domain.FeedbackRecord, error) {
	const op = "assistant.Unanswered"

	recs, err := s.feedback.ListNeedsReview(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return recs, nil
}
