// Package remote is the optional Redis-backed cache tier (spec.md
// §4.8's cache.remote). It wraps redis/go-redis/v9 the way the
// teacher's gateway integration tests construct clients (pool size,
// dial/read/write timeouts), and is exercised in tests against
// alicebob/miniredis/v2 rather than a live Redis instance.
package remote

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the remote tier.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Tier is the remote cache tier: a thin, serialization-agnostic
// byte-blob store over Redis, keyed by fingerprint.
type Tier struct {
	client *redis.Client
}

func New(cfg Config) *Tier {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &Tier{client: client}
}

// NewFromClient wraps an already-constructed *redis.Client, used by
// tests to point the tier at a miniredis instance.
func NewFromClient(client *redis.Client) *Tier {
	return &Tier{client: client}
}

// Get returns the raw bytes stored for fingerprint.
func (t *Tier) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	b, err := t.client.Get(ctx, fingerprint).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set stores data under fingerprint with the given TTL.
func (t *Tier) Set(ctx context.Context, fingerprint string, data []byte, ttl time.Duration) error {
	return t.client.Set(ctx, fingerprint, data, ttl).Err()
}

// Delete removes fingerprint from the remote tier.
func (t *Tier) Delete(ctx context.Context, fingerprint string) error {
	return t.client.Del(ctx, fingerprint).Err()
}

// DeletePrefix scans for and removes every key under prefix. Redis has
// no native prefix-delete; this uses SCAN to avoid KEYS' O(n) blocking
// behavior on a live server.
func (t *Tier) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	var cursor uint64
	var removed int
	for {
		keys, next, err := t.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			if err := t.client.Del(ctx, keys...).Err(); err != nil {
				return removed, err
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

// Ping verifies connectivity, used by the admin health endpoint.
func (t *Tier) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (t *Tier) Close() error {
	return t.client.Close()
}
