// Package cache keeps the latest detector status per channel in Redis, so
// that a restarted UI or a second host can read the current verdict.
// Entries are overwritten on every prediction and expire after a TTL; no
// history is kept.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// StatusKeyPrefix prefixes the per-channel status keys.
	StatusKeyPrefix = "seqguard:status:"
	// DefaultTTL is how long a status survives without updates.
	DefaultTTL = 5 * time.Minute
)

// ErrNotFound is returned when a channel has no live status.
var ErrNotFound = errors.New("status not found")

// Status is the latest verdict of one channel.
type Status struct {
	Channel    string    `json:"channel"`
	Text       string    `json:"text"`
	State      string    `json:"state"`
	IsAnomaly  bool      `json:"is_anomaly"`
	ErrorScore float64   `json:"error_score"`
	Threshold  float64   `json:"threshold"`
	Session    string    `json:"session"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// StatusCache stores Status values in Redis.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatusCache connects to Redis and verifies the connection.
func NewStatusCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*StatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStatusCacheFromClient(client, ttl), nil
}

// NewStatusCacheFromClient wraps an existing client. A non-positive ttl
// selects DefaultTTL.
func NewStatusCacheFromClient(client *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StatusCache{client: client, ttl: ttl}
}

// Key returns the Redis key of a channel.
func Key(channel string) string {
	return StatusKeyPrefix + channel
}

// Save overwrites the status of s.Channel.
func (c *StatusCache) Save(ctx context.Context, s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := c.client.Set(ctx, Key(s.Channel), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache status: %w", err)
	}
	return nil
}

// Get returns the live status of channel, or ErrNotFound.
func (c *StatusCache) Get(ctx context.Context, channel string) (Status, error) {
	data, err := c.client.Get(ctx, Key(channel)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, err
	}

	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return s, nil
}

// Ping checks the connection.
func (c *StatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *StatusCache) Close() error {
	return c.client.Close()
}
