package usage

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/talktime/internal/metrics"
	"github.com/goodtune/talktime/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultStoreTimeout bounds a single load or update round trip.
const DefaultStoreTimeout = 5 * time.Second

// Config holds usage store configuration
type Config struct {
	FreeLimitSeconds int64
	AtomicUpdates    bool
	Timeout          time.Duration
}

// Store reads and writes per-user conversation balances. It never returns
// errors: failures are logged and surface as a nil record or false.
type Store struct {
	backend   storage.UsageStore
	freeLimit int64
	atomic    bool
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewStore creates a usage store on top of a storage backend
func NewStore(backend storage.UsageStore, config Config, logger zerolog.Logger) *Store {
	if config.Timeout <= 0 {
		config.Timeout = DefaultStoreTimeout
	}

	return &Store{
		backend:   backend,
		freeLimit: config.FreeLimitSeconds,
		atomic:    config.AtomicUpdates,
		timeout:   config.Timeout,
		logger:    logger.With().Str("component", "usage-store").Logger(),
	}
}

// FreeLimitSeconds returns the balance assumed for users with no record.
func (s *Store) FreeLimitSeconds() int64 {
	return s.freeLimit
}

// LoadUsage returns the user's balance, the free allowance if the user has
// never been written, or nil when the backend cannot be read.
func (s *Store) LoadUsage(ctx context.Context, userID string) *Record {
	if userID == "" {
		s.logger.Warn().Msg("Load requested without a user id")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := s.backend.GetUsage(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.defaultRecord(userID)
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("load").Inc()
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load usage")
		return nil
	}

	return recordFromDocument(doc)
}

// UpdateUsage charges deltaSeconds against the user's balance. Consumption
// only ever grows; the remaining balance is floored at zero.
func (s *Store) UpdateUsage(ctx context.Context, userID string, deltaSeconds int64) bool {
	_, ok := s.update(ctx, userID, deltaSeconds)
	return ok
}

// update performs UpdateUsage and also returns the record that was written.
func (s *Store) update(ctx context.Context, userID string, deltaSeconds int64) (*Record, bool) {
	if userID == "" {
		s.logger.Warn().Msg("Update requested without a user id")
		return nil, false
	}
	if deltaSeconds < 0 {
		s.logger.Warn().Str("user_id", userID).Int64("delta", deltaSeconds).Msg("Refusing negative usage delta")
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		rec *Record
		err error
	)
	if s.atomic {
		rec, err = s.applyAtomic(ctx, userID, deltaSeconds)
	} else {
		rec, err = s.readModifyWrite(ctx, userID, deltaSeconds)
	}
	if err != nil {
		metrics.UsageUpdatesTotal.WithLabelValues("failed").Inc()
		metrics.StoreErrors.WithLabelValues("update").Inc()
		s.logger.Error().
			Err(err).
			Str("user_id", userID).
			Int64("delta", deltaSeconds).
			Msg("Failed to update usage")
		return nil, false
	}

	metrics.UsageUpdatesTotal.WithLabelValues("ok").Inc()
	metrics.SecondsConsumed.Add(float64(deltaSeconds))

	s.logger.Debug().
		Str("user_id", userID).
		Int64("delta", deltaSeconds).
		Int64("total", rec.TotalConsumedSeconds).
		Int64("remaining", rec.RemainingSeconds).
		Msg("Usage updated")

	return rec, true
}

// readModifyWrite reads the current document and writes the new totals in a
// second round trip. Concurrent writers may overwrite each other.
func (s *Store) readModifyWrite(ctx context.Context, userID string, deltaSeconds int64) (*Record, error) {
	doc, err := s.backend.GetUsage(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		d := storage.DefaultUsageDocument(userID, s.freeLimit)
		doc, err = &d, nil
	}
	if err != nil {
		return nil, err
	}

	next := *doc
	next.Consume(deltaSeconds)
	next.UpdatedAt = time.Time{}

	if err := s.backend.PutUsage(ctx, userID, next); err != nil {
		return nil, err
	}

	rec := recordFromDocument(&next)
	rec.UpdatedAt = time.Now().UTC()
	return rec, nil
}

func (s *Store) applyAtomic(ctx context.Context, userID string, deltaSeconds int64) (*Record, error) {
	doc, err := s.backend.ApplyUsage(ctx, userID, deltaSeconds, s.freeLimit)
	if err != nil {
		return nil, err
	}
	return recordFromDocument(doc), nil
}

// Grant adds purchased seconds to a user's balance.
func (s *Store) Grant(ctx context.Context, userID string, seconds int64) (*Record, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if seconds <= 0 {
		return nil, errors.New("grant must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := s.backend.Grant(ctx, userID, seconds, s.freeLimit)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("grant").Inc()
		return nil, err
	}

	s.logger.Info().
		Str("user_id", userID).
		Int64("seconds", seconds).
		Int64("remaining", doc.Remaining).
		Msg("Balance granted")

	return recordFromDocument(doc), nil
}

func (s *Store) defaultRecord(userID string) *Record {
	return &Record{
		UserID:           userID,
		RemainingSeconds: s.freeLimit,
	}
}

func recordFromDocument(doc *storage.UsageDocument) *Record {
	return &Record{
		UserID:               doc.UserID,
		TotalConsumedSeconds: doc.TotalConversationSeconds,
		RemainingSeconds:     doc.Remaining,
		UpdatedAt:            doc.UpdatedAt,
	}
}
