// Package redisrec implements the recency store on Redis: a capped,
// TTL-bounded per-user list of the most recent raw interactions.
package redisrec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/recallhq/recall/memory"
)

const keyPrefix = "recall:recent:"

// Options configures the Redis connection and buffer bounds.
type Options struct {
	// URL is the Redis connection string (e.g. "redis://localhost:6379").
	URL string
	// Capacity is the per-user buffer size; older interactions are dropped.
	Capacity int
	// TTL is the per-entry maximum age.
	TTL time.Duration
	// ConnectTimeout bounds connection establishment; defaults to 5s.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// Store implements memory.RecencyStore.
type Store struct {
	client   *redis.Client
	capacity int
	ttl      time.Duration
	log      *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(opts Options) (*Store, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, opts.Capacity, opts.TTL, opts.Logger), nil
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(client *redis.Client, capacity int, ttl time.Duration, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, capacity: capacity, ttl: ttl, log: logger}
}

func key(userID string) string {
	return keyPrefix + userID
}

// Append pushes the interaction onto the head of the user's list, trims to
// capacity and refreshes the list TTL, all in one pipeline.
func (s *Store) Append(ctx context.Context, userID string, interaction memory.Interaction) error {
	if userID == "" {
		return memory.ErrInvalidUserID
	}
	data, err := json.Marshal(interaction)
	if err != nil {
		return fmt.Errorf("marshal interaction: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key(userID), data)
	pipe.LTrim(ctx, key(userID), 0, int64(s.capacity-1))
	if s.ttl > 0 {
		pipe.Expire(ctx, key(userID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append interaction: %w", err)
	}
	return nil
}

// Recent returns up to limit interactions, most recent first. Entries older
// than the TTL are filtered out even when the list key itself has not
// expired yet (the key TTL refreshes on every append).
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]memory.Interaction, error) {
	if userID == "" {
		return nil, memory.ErrInvalidUserID
	}
	if limit <= 0 {
		return nil, nil
	}

	vals, err := s.client.LRange(ctx, key(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent: %w", err)
	}

	cutoff := time.Time{}
	if s.ttl > 0 {
		cutoff = time.Now().Add(-s.ttl)
	}

	var out []memory.Interaction
	for _, v := range vals {
		var it memory.Interaction
		if err := json.Unmarshal([]byte(v), &it); err != nil {
			s.log.Warn("skipping undecodable recency entry", "user_id", userID, "error", err)
			continue
		}
		if !cutoff.IsZero() && it.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// Purge rewrites the user's list without the interactions match selects.
func (s *Store) Purge(ctx context.Context, userID string, match func(memory.Interaction) bool) (int, error) {
	if userID == "" {
		return 0, memory.ErrInvalidUserID
	}

	vals, err := s.client.LRange(ctx, key(userID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read buffer: %w", err)
	}

	var keep []interface{}
	removed := 0
	for _, v := range vals {
		var it memory.Interaction
		if err := json.Unmarshal([]byte(v), &it); err != nil {
			removed++
			continue
		}
		if match(it) {
			removed++
			continue
		}
		keep = append(keep, v)
	}
	if removed == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key(userID))
	if len(keep) > 0 {
		// RPush preserves head-first order of the LRange snapshot.
		pipe.RPush(ctx, key(userID), keep...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key(userID), s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rewrite buffer: %w", err)
	}
	return removed, nil
}

// Count returns the buffered interaction count for the user, or the total
// across all users when userID is empty.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	if userID != "" {
		n, err := s.client.LLen(ctx, key(userID)).Result()
		if err != nil {
			return 0, fmt.Errorf("count buffer: %w", err)
		}
		return int(n), nil
	}

	keys, err := s.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("list buffers: %w", err)
	}
	total := 0
	for _, k := range keys {
		n, err := s.client.LLen(ctx, k).Result()
		if err != nil {
			continue
		}
		total += int(n)
	}
	return total, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
