package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/talktime/internal/storage"
)

// parseUsageDocument converts a Redis hash to UsageDocument
func parseUsageDocument(userID string, data map[string]string) (*storage.UsageDocument, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	doc := &storage.UsageDocument{UserID: userID}

	if v, ok := data["total_conversation_seconds"]; ok && v != "" {
		total, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse total_conversation_seconds: %w", err)
		}
		doc.TotalConversationSeconds = total
	}

	remaining, err := strconv.ParseInt(data["remaining"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remaining: %w", err)
	}
	doc.Remaining = remaining

	if v := data["updated_at"]; v != "" {
		updatedAt, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
		doc.UpdatedAt = updatedAt
	}

	return doc, nil
}

// documentFromResult converts the {total, remaining} pair returned by the
// usage scripts.
func documentFromResult(userID string, values []int64, updatedAt time.Time) (*storage.UsageDocument, error) {
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected script result length %d", len(values))
	}
	return &storage.UsageDocument{
		UserID:                   userID,
		TotalConversationSeconds: values[0],
		Remaining:                values[1],
		UpdatedAt:                updatedAt,
	}, nil
}
