package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/goodtune/talktime/internal/storage"
)

const (
	getUsageQuery = `SELECT total_conversation_seconds, remaining, updated_at
FROM user_usage
WHERE user_id = $1`

	putUsageQuery = `INSERT INTO user_usage (user_id, total_conversation_seconds, remaining, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (user_id) DO UPDATE
SET total_conversation_seconds = EXCLUDED.total_conversation_seconds,
    remaining = EXCLUDED.remaining,
    updated_at = EXCLUDED.updated_at`

	applyUsageQuery = `INSERT INTO user_usage (user_id, total_conversation_seconds, remaining, updated_at)
VALUES ($1, $2::bigint, GREATEST($3::bigint - $2::bigint, 0), now())
ON CONFLICT (user_id) DO UPDATE
SET total_conversation_seconds = user_usage.total_conversation_seconds + $2::bigint,
    remaining = GREATEST(user_usage.remaining - $2::bigint, 0),
    updated_at = now()
RETURNING total_conversation_seconds, remaining, updated_at`

	grantQuery = `INSERT INTO user_usage (user_id, total_conversation_seconds, remaining, updated_at)
VALUES ($1, 0, $3::bigint + $2::bigint, now())
ON CONFLICT (user_id) DO UPDATE
SET remaining = user_usage.remaining + $2::bigint,
    updated_at = now()
RETURNING total_conversation_seconds, remaining, updated_at`

	listUsersQuery = `SELECT user_id FROM user_usage ORDER BY user_id`
)

type usageStore struct {
	db *sql.DB
}

// GetUsage returns the stored document, or storage.ErrNotFound.
func (s *usageStore) GetUsage(ctx context.Context, userID string) (*storage.UsageDocument, error) {
	doc := &storage.UsageDocument{UserID: userID}
	err := s.db.QueryRowContext(ctx, getUsageQuery, userID).
		Scan(&doc.TotalConversationSeconds, &doc.Remaining, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

// PutUsage upserts both balance fields; updated_at is the database clock.
func (s *usageStore) PutUsage(ctx context.Context, userID string, doc storage.UsageDocument) error {
	_, err := s.db.ExecContext(ctx, putUsageQuery, userID, doc.TotalConversationSeconds, doc.Remaining)
	return err
}

// ApplyUsage consumes seconds in a single upsert statement.
func (s *usageStore) ApplyUsage(ctx context.Context, userID string, deltaSeconds, freeLimitSeconds int64) (*storage.UsageDocument, error) {
	return s.returning(ctx, applyUsageQuery, userID, deltaSeconds, freeLimitSeconds)
}

// Grant raises the balance in a single upsert statement.
func (s *usageStore) Grant(ctx context.Context, userID string, seconds, freeLimitSeconds int64) (*storage.UsageDocument, error) {
	return s.returning(ctx, grantQuery, userID, seconds, freeLimitSeconds)
}

func (s *usageStore) returning(ctx context.Context, query, userID string, seconds, freeLimitSeconds int64) (*storage.UsageDocument, error) {
	doc := &storage.UsageDocument{UserID: userID}
	err := s.db.QueryRowContext(ctx, query, userID, seconds, freeLimitSeconds).
		Scan(&doc.TotalConversationSeconds, &doc.Remaining, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListUsers returns every user with a stored document.
func (s *usageStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, listUsersQuery)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
