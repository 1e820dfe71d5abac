package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"ChatAssistant/internal/domain"
	"ChatAssistant/internal/storage"
)

func fixedClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func TestSaveChatRejectsDuplicateMessageID(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec, err := s.SaveChat(ctx, domain.ChatRecord{MessageID: "msg_1", UserMessage: "hi", BotResponse: "hello"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec.SessionID != domain.DefaultSessionID {
		t.Fatalf("expected default session, got %q", rec.SessionID)
	}
	if rec.Timestamp.IsZero() {
		t.Fatalf("timestamp must default to write time")
	}

	_, err = s.SaveChat(ctx, domain.ChatRecord{MessageID: "msg_1", UserMessage: "again", BotResponse: "x"})
	if !errors.Is(err, storage.ErrMessageIDExists) {
		t.Fatalf("expected ErrMessageIDExists, got %v", err)
	}
}

func TestListChatsFiltersAndSorts(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, _ = s.SaveChat(ctx, domain.ChatRecord{MessageID: "c", SessionID: "a", Timestamp: base.Add(3 * time.Second)})
	_, _ = s.SaveChat(ctx, domain.ChatRecord{MessageID: "a", SessionID: "a", Timestamp: base.Add(1 * time.Second)})
	_, _ = s.SaveChat(ctx, domain.ChatRecord{MessageID: "b", SessionID: "b", Timestamp: base.Add(2 * time.Second)})

	all, err := s.ListChats(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].MessageID != "a" || all[1].MessageID != "b" || all[2].MessageID != "c" {
		t.Fatalf("unexpected order: %+v", all)
	}

	onlyA, err := s.ListChats(ctx, "a")
	if err != nil {
		t.Fatalf("list a: %v", err)
	}
	if len(onlyA) != 2 || onlyA[0].MessageID != "a" || onlyA[1].MessageID != "c" {
		t.Fatalf("unexpected session a: %+v", onlyA)
	}
}

func TestMarkFeedbackMissingChatIsNoop(t *testing.T) {
	s := New()
	ctx := context.Background()

	found, err := s.MarkFeedback(ctx, "missing", domain.FeedbackNegative)
	if err != nil || found {
		t.Fatalf("expected (false, nil), got (%v, %v)", found, err)
	}

	_, _ = s.SaveChat(ctx, domain.ChatRecord{MessageID: "msg_1"})
	found, err = s.MarkFeedback(ctx, "msg_1", domain.FeedbackPositive)
	if err != nil || !found {
		t.Fatalf("expected (true, nil), got (%v, %v)", found, err)
	}
	chats, _ := s.ListChats(ctx, "")
	if !chats[0].HasFeedback || chats[0].FeedbackType != domain.FeedbackPositive {
		t.Fatalf("chat not flagged: %+v", chats[0])
	}
}

func TestUpsertFeedbackOverwritesTypeOnly(t *testing.T) {
	s := New()
	s.now = fixedClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	first, err := s.UpsertFeedback(ctx, domain.FeedbackRecord{
		MessageID:    "msg_1",
		UserQuestion: "q",
		BotResponse:  "r",
		FeedbackType: domain.FeedbackNegative,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !first.NeedsReview || first.SessionID != domain.DefaultSessionID {
		t.Fatalf("unexpected first record: %+v", first)
	}

	second, err := s.UpsertFeedback(ctx, domain.FeedbackRecord{
		MessageID:    "msg_1",
		UserQuestion: "other",
		FeedbackType: domain.FeedbackPositive,
	})
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if second.NeedsReview || second.FeedbackType != domain.FeedbackPositive {
		t.Fatalf("second submission must win: %+v", second)
	}
	if second.UserQuestion != "q" || second.BotResponse != "r" {
		t.Fatalf("denormalized copies must be kept: %+v", second)
	}
	if !second.Timestamp.After(first.Timestamp) {
		t.Fatalf("timestamp must be refreshed")
	}

	review, _ := s.ListNeedsReview(ctx)
	if len(review) != 0 {
		t.Fatalf("positive feedback must leave the review queue: %+v", review)
	}
}

func TestListNeedsReviewNewestFirst(t *testing.T) {
	s := New()
	s.now = fixedClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for _, id := range []string{"old", "pos", "new"} {
		ft := domain.FeedbackNegative
		if id == "pos" {
			ft = domain.FeedbackPositive
		}
		if _, err := s.UpsertFeedback(ctx, domain.FeedbackRecord{MessageID: id, FeedbackType: ft}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	review, err := s.ListNeedsReview(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(review) != 2 || review[0].MessageID != "new" || review[1].MessageID != "old" {
		t.Fatalf("unexpected review queue: %+v", review)
	}
}

func TestPurgeChatsBefore(t *testing.T) {
	s := New()
	ctx := context.Background()
	cutoff := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	_, _ = s.SaveChat(ctx, domain.ChatRecord{MessageID: "expired", Timestamp: cutoff.Add(-time.Hour)})
	_, _ = s.SaveChat(ctx, domain.ChatRecord{MessageID: "fresh", Timestamp: cutoff.Add(time.Hour)})

	removed, err := s.PurgeChatsBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	chats, _ := s.ListChats(ctx, "")
	if len(chats) != 1 || chats[0].MessageID != "fresh" {
		t.Fatalf("unexpected remaining chats: %+v", chats)
	}

	// the expired id can be reused after purge
	if _, err := s.SaveChat(ctx, domain.ChatRecord{MessageID: "expired"}); err != nil {
		t.Fatalf("save after purge: %v", err)
	}
}
