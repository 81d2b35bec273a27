package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Usage() UsageStore
}

// UsageStore persists per-user conversation usage documents.
//
// GetUsage and PutUsage are deliberately separate round trips: callers that
// combine them into a read-modify-write get last-write-wins semantics.
// ApplyUsage is the atomic alternative, computed entirely by the backend.
type UsageStore interface {
	GetUsage(ctx context.Context, userID string) (*UsageDocument, error)
	PutUsage(ctx context.Context, userID string, doc UsageDocument) error
	ApplyUsage(ctx context.Context, userID string, deltaSeconds, freeLimitSeconds int64) (*UsageDocument, error)
	Grant(ctx context.Context, userID string, seconds, freeLimitSeconds int64) (*UsageDocument, error)
	ListUsers(ctx context.Context) ([]string, error)
}
