// Package memory provides an in-process storage backend. It is used by tests
// and by single-node deployments that accept losing balances on restart.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/talktime/internal/storage"
)

// ErrUnavailable is returned by every operation while the store is failing.
var ErrUnavailable = errors.New("memory: store unavailable")

// Store implements storage.Store in memory.
type Store struct {
	usage *usageStore
}

// New returns an empty store.
func New() *Store {
	return &Store{usage: &usageStore{
		docs: make(map[string]storage.UsageDocument),
		now:  time.Now,
	}}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Usage returns the UsageStore implementation.
func (s *Store) Usage() storage.UsageStore { return s.usage }

// FailReads makes GetUsage return ErrUnavailable until reset.
func (s *Store) FailReads(fail bool) {
	s.usage.mu.Lock()
	s.usage.failReads = fail
	s.usage.mu.Unlock()
}

// FailWrites makes every write return ErrUnavailable until reset.
func (s *Store) FailWrites(fail bool) {
	s.usage.mu.Lock()
	s.usage.failWrites = fail
	s.usage.mu.Unlock()
}

// SetAfterGet installs a hook that runs after every successful GetUsage,
// outside the store lock. Tests use it to interleave concurrent updates.
func (s *Store) SetAfterGet(fn func(userID string)) {
	s.usage.mu.Lock()
	s.usage.afterGet = fn
	s.usage.mu.Unlock()
}

// SetClock overrides the clock used to stamp updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.usage.mu.Lock()
	s.usage.now = now
	s.usage.mu.Unlock()
}

type usageStore struct {
	mu         sync.Mutex
	docs       map[string]storage.UsageDocument
	failReads  bool
	failWrites bool
	afterGet   func(userID string)
	now        func() time.Time
}

func (s *usageStore) GetUsage(ctx context.Context, userID string) (*storage.UsageDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.failReads {
		s.mu.Unlock()
		return nil, ErrUnavailable
	}
	doc, ok := s.docs[userID]
	hook := s.afterGet
	s.mu.Unlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	if hook != nil {
		hook(userID)
	}
	return &doc, nil
}

func (s *usageStore) PutUsage(ctx context.Context, userID string, doc storage.UsageDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites {
		return ErrUnavailable
	}
	doc.UserID = userID
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = s.now()
	}
	s.docs[userID] = doc
	return nil
}

func (s *usageStore) ApplyUsage(ctx context.Context, userID string, deltaSeconds, freeLimitSeconds int64) (*storage.UsageDocument, error) {
	return s.mutate(ctx, userID, freeLimitSeconds, func(doc *storage.UsageDocument) {
		doc.Consume(deltaSeconds)
	})
}

func (s *usageStore) Grant(ctx context.Context, userID string, seconds, freeLimitSeconds int64) (*storage.UsageDocument, error) {
	return s.mutate(ctx, userID, freeLimitSeconds, func(doc *storage.UsageDocument) {
		doc.Remaining += seconds
	})
}

func (s *usageStore) mutate(ctx context.Context, userID string, freeLimitSeconds int64, fn func(doc *storage.UsageDocument)) (*storage.UsageDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites {
		return nil, ErrUnavailable
	}

	doc, ok := s.docs[userID]
	if !ok {
		doc = storage.DefaultUsageDocument(userID, freeLimitSeconds)
	}
	fn(&doc)
	doc.UpdatedAt = s.now()
	s.docs[userID] = doc

	out := doc
	return &out, nil
}

func (s *usageStore) ListUsers(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failReads {
		return nil, ErrUnavailable
	}
	users := make([]string, 0, len(s.docs))
	for id := range s.docs {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}
