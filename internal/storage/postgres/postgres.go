// Package postgres stores usage documents in a PostgreSQL table through the
// pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goodtune/talktime/internal/config"
	"github.com/goodtune/talktime/internal/storage"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store implements the storage.Store interface using PostgreSQL.
type Store struct {
	db    *sql.DB
	usage *usageStore
}

// Open connects to the database described by cfg and verifies the connection.
func Open(cfg config.PostgresConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, usage: &usageStore{db: db}}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Usage returns the UsageStore implementation.
func (s *Store) Usage() storage.UsageStore {
	return s.usage
}
