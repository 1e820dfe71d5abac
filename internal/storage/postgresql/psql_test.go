package postgresql

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"golang.org/x/exp/slog"

	"ChatAssistant/internal/domain"
	"ChatAssistant/internal/storage"
)

// Integration tests; they run only against a disposable database named by TEST_DATABASE_URL.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := MigrateUp(url); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := New(url, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if _, err := s.db.Exec(`TRUNCATE chat_records, feedback_records`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func TestStorageChatLog(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	id := uniqueID("msg")

	rec, err := s.SaveChat(ctx, domain.ChatRecord{MessageID: id, UserMessage: "hi", BotResponse: "hello", SessionID: "s1"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec.Timestamp.IsZero() {
		t.Fatalf("timestamp must come from the database")
	}

	_, err = s.SaveChat(ctx, domain.ChatRecord{MessageID: id, UserMessage: "x", BotResponse: "y"})
	if !errors.Is(err, storage.ErrMessageIDExists) {
		t.Fatalf("expected ErrMessageIDExists, got %v", err)
	}

	found, err := s.MarkFeedback(ctx, id, domain.FeedbackNegative)
	if err != nil || !found {
		t.Fatalf("mark: found=%v err=%v", found, err)
	}
	found, err = s.MarkFeedback(ctx, uniqueID("missing"), domain.FeedbackNegative)
	if err != nil || found {
		t.Fatalf("mark missing: found=%v err=%v", found, err)
	}

	chats, err := s.ListChats(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chats) != 1 || !chats[0].HasFeedback || chats[0].FeedbackType != domain.FeedbackNegative {
		t.Fatalf("unexpected chats: %+v", chats)
	}

	removed, err := s.PurgeChatsBefore(ctx, time.Now().Add(time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("purge: removed=%d err=%v", removed, err)
	}
}

func TestStorageRecordFeedbackIsUpsert(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	id := uniqueID("msg")

	_, found, err := s.RecordFeedback(ctx, domain.FeedbackRecord{
		MessageID: id, UserQuestion: "q", BotResponse: "r", FeedbackType: domain.FeedbackNegative,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if found {
		t.Fatalf("no chat record exists for %s", id)
	}

	out, _, err := s.RecordFeedback(ctx, domain.FeedbackRecord{MessageID: id, FeedbackType: domain.FeedbackPositive})
	if err != nil {
		t.Fatalf("record again: %v", err)
	}
	if out.FeedbackType != domain.FeedbackPositive || out.NeedsReview || out.UserQuestion != "q" {
		t.Fatalf("unexpected upsert result: %+v", out)
	}

	review, err := s.ListNeedsReview(ctx)
	if err != nil {
		t.Fatalf("list review: %v", err)
	}
	for _, r := range review {
		if r.MessageID == id {
			t.Fatalf("positive feedback must not need review")
		}
	}
}

func TestStorageRecordFeedbackKeepsFeedbackWhenFlagFails(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	id := uniqueID("msg")

	if _, err := s.SaveChat(ctx, domain.ChatRecord{MessageID: id, UserMessage: "q", BotResponse: "r", SessionID: "s1"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE OR REPLACE FUNCTION reject_chat_update() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'chat records are read only';
		END;
		$$ LANGUAGE plpgsql`); err != nil {
		t.Fatalf("create function: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE TRIGGER reject_chat_update BEFORE UPDATE ON chat_records
		FOR EACH ROW EXECUTE FUNCTION reject_chat_update()`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.Exec(`DROP TRIGGER IF EXISTS reject_chat_update ON chat_records`)
		_, _ = s.db.Exec(`DROP FUNCTION IF EXISTS reject_chat_update()`)
	})

	_, found, err := s.RecordFeedback(ctx, domain.FeedbackRecord{
		MessageID: id, UserQuestion: "q", BotResponse: "r", FeedbackType: domain.FeedbackNegative,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if found {
		t.Fatalf("chat record flag must report failure as not found")
	}

	got, err := s.GetFeedback(ctx, id)
	if err != nil {
		t.Fatalf("feedback must survive a failed flag: %v", err)
	}
	if got.FeedbackType != domain.FeedbackNegative || !got.NeedsReview {
		t.Fatalf("unexpected feedback: %+v", got)
	}
}
