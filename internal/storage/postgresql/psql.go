package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/exp/slog"

	"ChatAssistant/internal/domain"
	"ChatAssistant/internal/lib/logger/sl"
	"ChatAssistant/internal/storage"
)

const uniqueViolation = "23505"

type Storage struct {
	db  *sql.DB
	log *slog.Logger
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(databaseURL string, log *slog.Logger) (*Storage, error) {
	const op = "storage.postgres.New"

	log.Info("opening postgres connection")

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping failed: %w", op, err)
	}

	return &Storage{
		db:  db,
		log: log,
	}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// --- chat log ---

func (s *Storage) SaveChat(ctx context.Context, rec domain.ChatRecord) (domain.ChatRecord, error) {
	const op = "storage.postgres.SaveChat"

	if rec.SessionID == "" {
		rec.SessionID = domain.DefaultSessionID
	}
	var at sql.NullTime
	if !rec.Timestamp.IsZero() {
		at = sql.NullTime{Time: rec.Timestamp, Valid: true}
	}

	var created time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_records (message_id, user_message, bot_response, session_id, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, NOW()))
		RETURNING created_at
	`, rec.MessageID, rec.UserMessage, rec.BotResponse, rec.SessionID, at).Scan(&created)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ChatRecord{}, fmt.Errorf("%s: %w", op, storage.ErrMessageIDExists)
		}
		return domain.ChatRecord{}, fmt.Errorf("%s: %w", op, err)
	}

	rec.Timestamp = created.UTC()
	rec.HasFeedback = false
	rec.FeedbackType = domain.FeedbackNone
	return rec, nil
}

func (s *Storage) MarkFeedback(ctx context.Context, messageID string, feedbackType domain.FeedbackType) (bool, error) {
	const op = "storage.postgres.MarkFeedback"

	found, err := markFeedback(ctx, s.db, messageID, feedbackType)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return found, nil
}

func (s *Storage) ListChats(ctx context.Context, sessionID string) ([]domain.ChatRecord, error) {
	const op = "storage.postgres.ListChats"

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_message, bot_response, created_at, session_id, has_feedback, feedback_type
		FROM chat_records
		WHERE $1 = '' OR session_id = $1
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]domain.ChatRecord, 0, 64)
	for rows.Next() {
		var it domain.ChatRecord
		var created time.Time
		var feedbackType sql.NullString
		if err := rows.Scan(
			&it.MessageID, &it.UserMessage, &it.BotResponse, &created, &it.SessionID, &it.HasFeedback, &feedbackType,
		); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		it.Timestamp = created.UTC()
		if feedbackType.Valid {
			it.FeedbackType = domain.FeedbackType(feedbackType.String)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return out, nil
}

func (s *Storage) PurgeChatsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const op = "storage.postgres.PurgeChatsBefore"

	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- feedback log ---

func (s *Storage) UpsertFeedback(ctx context.Context, rec domain.FeedbackRecord) (domain.FeedbackRecord, error) {
	const op = "storage.postgres.UpsertFeedback"

	out, err := upsertFeedback(ctx, s.db, rec)
	if err != nil {
		return domain.FeedbackRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// RecordFeedback upserts the feedback and flags the chat record in one transaction.
// found is false when no chat record carries the message id.
func (s *Storage) RecordFeedback(ctx context.Context, rec domain.FeedbackRecord) (domain.FeedbackRecord, bool, error) {
	const op = "storage.postgres.RecordFeedback"

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.FeedbackRecord{}, false, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := upsertFeedback(ctx, tx, rec)
	if err != nil {
		return domain.FeedbackRecord{}, false, fmt.Errorf("%s: %w", op, err)
	}
	// the feedback row is kept even when flagging the chat record fails
	if _, err := tx.ExecContext(ctx, `SAVEPOINT mark_feedback`); err != nil {
		return domain.FeedbackRecord{}, false, fmt.Errorf("%s: %w", op, err)
	}
	found, err := markFeedback(ctx, tx, rec.MessageID, rec.FeedbackType)
	if err != nil {
		s.log.Warn("failed to flag chat record",
			slog.String("op", op), slog.String("message_id", rec.MessageID), sl.Err(err))
		if _, err := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT mark_feedback`); err != nil {
			return domain.FeedbackRecord{}, false, fmt.Errorf("%s: %w", op, err)
		}
		found = false
	} else if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT mark_feedback`); err != nil {
		return domain.FeedbackRecord{}, false, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return domain.FeedbackRecord{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return out, found, nil
}

func (s *Storage) GetFeedback(ctx context.Context, messageID string) (domain.FeedbackRecord, error) {
	const op = "storage.postgres.GetFeedback"

	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, user_question, bot_response, feedback_type, session_id, created_at, needs_review
		FROM feedback_records
		WHERE message_id = $1
	`, messageID)
	rec, err := scanFeedback(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FeedbackRecord{}, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}
		return domain.FeedbackRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

func (s *Storage) ListNeedsReview(ctx context.Context) ([]domain.FeedbackRecord, error) {
	const op = "storage.postgres.ListNeedsReview"

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_question, bot_response, feedback_type, session_id, created_at, needs_review
		FROM feedback_records
		WHERE feedback_type = 'negative' AND needs_review = TRUE
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]domain.FeedbackRecord, 0, 16)
	for rows.Next() {
		rec, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// --- helpers ---

func markFeedback(ctx context.Context, q queryer, messageID string, feedbackType domain.FeedbackType) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE chat_records
		SET has_feedback = TRUE, feedback_type = $2
		WHERE message_id = $1
	`, messageID, string(feedbackType))
	if err != nil {
		return false, err
	}
	aff, _ := res.RowsAffected()
	return aff > 0, nil
}

// upsertFeedback keeps the denormalized copies of the first submission.
func upsertFeedback(ctx context.Context, q queryer, rec domain.FeedbackRecord) (domain.FeedbackRecord, error) {
	if rec.SessionID == "" {
		rec.SessionID = domain.DefaultSessionID
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO feedback_records (message_id, user_question, bot_response, feedback_type, session_id, needs_review)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id)
		DO UPDATE SET feedback_type = EXCLUDED.feedback_type,
		              needs_review  = EXCLUDED.needs_review,
		              created_at    = NOW()
		RETURNING message_id, user_question, bot_response, feedback_type, session_id, created_at, needs_review
	`, rec.MessageID, rec.UserQuestion, rec.BotResponse, string(rec.FeedbackType), rec.SessionID,
		rec.FeedbackType.NeedsReview())
	return scanFeedback(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFeedback(row scanner) (domain.FeedbackRecord, error) {
	var rec domain.FeedbackRecord
	var feedbackType string
	var created time.Time
	if err := row.Scan(
		&rec.MessageID, &rec.UserQuestion, &rec.BotResponse, &feedbackType, &rec.SessionID, &created, &rec.NeedsReview,
	); err != nil {
		return domain.FeedbackRecord{}, err
	}
	rec.FeedbackType = domain.FeedbackType(feedbackType)
	rec.Timestamp = created.UTC()
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
