package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"duck-analytics/internal/domain"
)

// RedisConfig configures the shared results store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys within a shared Redis.
	Prefix      string
	DialTimeout time.Duration
}

// Redis stores entries in a shared Redis so every server instance sees the
// same cache.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis connects to Redis.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	return &Redis{client: client, prefix: cfg.Prefix}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return &domain.CacheError{Op: "ping", Err: err}
	}
	return nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.CacheError{Op: "get", Err: err}
	}
	return decodeEntry(raw)
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	raw, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, ttl).Err(); err != nil {
		return &domain.CacheError{Op: "set", Err: err}
	}
	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return &domain.CacheError{Op: "delete", Err: err}
	}
	return nil
}

// Close implements Store.
func (r *Redis) Close() error {
	return r.client.Close()
}
