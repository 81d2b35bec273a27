package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/talktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by the usage store.
const DefaultKeyPrefix = "talktime"

var (
	applyUsage = redis.NewScript(applyUsageScript)
	grant      = redis.NewScript(grantScript)
)

type usageStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func newUsageStore(client *redis.Client, prefix string) *usageStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &usageStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *usageStore) usageKey(userID string) string {
	return fmt.Sprintf("%s:usage:%s", s.prefix, userID)
}

func (s *usageStore) usersKey() string {
	return s.prefix + ":usage:users"
}

// GetUsage retrieves the usage document for a user
func (s *usageStore) GetUsage(ctx context.Context, userID string) (*storage.UsageDocument, error) {
	data, err := s.client.HGetAll(ctx, s.usageKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseUsageDocument(userID, data)
}

// PutUsage writes both balance fields and the update timestamp, creating the
// document if it does not exist yet
func (s *usageStore) PutUsage(ctx context.Context, userID string, doc storage.UsageDocument) error {
	updatedAt := doc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.usageKey(userID),
			"user_id", userID,
			"total_conversation_seconds", doc.TotalConversationSeconds,
			"remaining", doc.Remaining,
			"updated_at", updatedAt.UTC().Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, s.usersKey(), userID)
		return nil
	})
	return err
}

// ApplyUsage atomically consumes seconds from the balance inside Redis
func (s *usageStore) ApplyUsage(ctx context.Context, userID string, deltaSeconds, freeLimitSeconds int64) (*storage.UsageDocument, error) {
	return s.runBalanceScript(ctx, applyUsage, userID, deltaSeconds, freeLimitSeconds)
}

// Grant atomically raises the balance inside Redis
func (s *usageStore) Grant(ctx context.Context, userID string, seconds, freeLimitSeconds int64) (*storage.UsageDocument, error) {
	return s.runBalanceScript(ctx, grant, userID, seconds, freeLimitSeconds)
}

func (s *usageStore) runBalanceScript(ctx context.Context, script *redis.Script, userID string, seconds, freeLimitSeconds int64) (*storage.UsageDocument, error) {
	updatedAt := s.now().UTC()

	keys := []string{s.usageKey(userID), s.usersKey()}
	args := []interface{}{
		userID,
		seconds,
		freeLimitSeconds,
		updatedAt.Format(time.RFC3339Nano),
	}

	values, err := script.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, err
	}

	return documentFromResult(userID, values, updatedAt)
}

// ListUsers returns every user that has a stored usage document
func (s *usageStore) ListUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}
