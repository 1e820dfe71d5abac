package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"ChatAssistant/internal/domain"
	"ChatAssistant/internal/storage"
)

// Store keeps the chat and feedback logs in process memory. It backs the
// "memory" storage driver and tests; nothing survives a restart.
type Store struct {
	mu       sync.RWMutex
	chats    map[string]*domain.ChatRecord
	order    []string
	feedback map[string]*domain.FeedbackRecord
	now      func() time.Time
}

func New() *Store {
	return &Store{
		chats:    make(map[string]*domain.ChatRecord),
		feedback: make(map[string]*domain.FeedbackRecord),
		now:      time.Now,
	}
}

func (s *Store) SaveChat(_ context.Context, rec domain.ChatRecord) (domain.ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[rec.MessageID]; ok {
		return domain.ChatRecord{}, storage.ErrMessageIDExists
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	if rec.SessionID == "" {
		rec.SessionID = domain.DefaultSessionID
	}
	stored := rec
	s.chats[rec.MessageID] = &stored
	s.order = append(s.order, rec.MessageID)
	return stored, nil
}

func (s *Store) MarkFeedback(_ context.Context, messageID string, feedbackType domain.FeedbackType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[messageID]
	if !ok {
		return false, nil
	}
	chat.HasFeedback = true
	chat.FeedbackType = feedbackType
	return true, nil
}

// ListChats returns the records of one session, or of all sessions when sessionID
// is empty, ascending by timestamp.
func (s *Store) ListChats(_ context.Context, sessionID string) ([]domain.ChatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ChatRecord, 0, len(s.order))
	for _, id := range s.order {
		chat := s.chats[id]
		if sessionID != "" && chat.SessionID != sessionID {
			continue
		}
		out = append(out, *chat)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *Store) PurgeChatsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	kept := s.order[:0]
	for _, id := range s.order {
		if s.chats[id].Timestamp.Before(cutoff) {
			delete(s.chats, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// UpsertFeedback inserts the record or, when the message already has feedback,
// overwrites only its type, review flag and timestamp.
func (s *Store) UpsertFeedback(_ context.Context, rec domain.FeedbackRecord) (domain.FeedbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if existing, ok := s.feedback[rec.MessageID]; ok {
		existing.FeedbackType = rec.FeedbackType
		existing.NeedsReview = rec.FeedbackType.NeedsReview()
		existing.Timestamp = now
		return *existing, nil
	}

	if rec.SessionID == "" {
		rec.SessionID = domain.DefaultSessionID
	}
	rec.NeedsReview = rec.FeedbackType.NeedsReview()
	rec.Timestamp = now
	stored := rec
	s.feedback[rec.MessageID] = &stored
	return stored, nil
}

func (s *Store) GetFeedback(_ context.Context, messageID string) (domain.FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.feedback[messageID]
	if !ok {
		return domain.FeedbackRecord{}, storage.ErrNotFound
	}
	return *rec, nil
}

// ListNeedsReview returns negative feedback still flagged for review, newest first.
func (s *Store) ListNeedsReview(_ context.Context) ([]domain.FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.FeedbackRecord, 0)
	for _, rec := range s.feedback {
		if rec.FeedbackType == domain.FeedbackNegative && rec.NeedsReview {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].MessageID > out[j].MessageID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}
