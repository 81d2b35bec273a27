// Package redis stores usage documents in Redis.
//
// Each user's balance is a hash at {prefix}:usage:{user_id} with the fields
// total_conversation_seconds, remaining and updated_at (RFC3339Nano). Every
// user that has been written is also a member of the set {prefix}:usage:users.
// The prefix defaults to "talktime". Atomic updates and grants run as Lua
// scripts so the read and the write happen in one server-side step.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/goodtune/talktime/internal/config"
	"github.com/goodtune/talktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

// connectTimeout bounds the PING issued by Open.
const connectTimeout = 5 * time.Second

// Store is the Redis usage backend. It owns the client and closes it.
type Store struct {
	client *redis.Client
	usage  *usageStore
}

// Open connects to the configured Redis server and verifies it answers before
// any call is metered against it.
func Open(cfg config.RedisConfig) (*Store, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	return &Store{
		client: client,
		usage:  newUsageStore(client, cfg.KeyPrefix),
	}, nil
}

// clientOptions maps the storage.redis section onto go-redis options. Host may
// already carry a port, in which case Port is left zero.
func clientOptions(cfg config.RedisConfig) (*redis.Options, error) {
	timeouts := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"dial_timeout", cfg.DialTimeout, new(time.Duration)},
		{"read_timeout", cfg.ReadTimeout, new(time.Duration)},
		{"write_timeout", cfg.WriteTimeout, new(time.Duration)},
	}
	for _, t := range timeouts {
		d, err := time.ParseDuration(t.value)
		if err != nil {
			return nil, fmt.Errorf("invalid storage.redis.%s %q: %w", t.name, t.value, err)
		}
		*t.dst = d
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}

	return &redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  *timeouts[0].dst,
		ReadTimeout:  *timeouts[1].dst,
		WriteTimeout: *timeouts[2].dst,
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Usage returns the per-user balance store.
func (s *Store) Usage() storage.UsageStore {
	return s.usage
}
