package cache

import (
	"context"
	"encoding/json"
	"time"

	"duck-analytics/internal/domain"
)

// Store persists cache entries by key. Get returns nil, nil on a miss.
// Backend failures are returned as *domain.CacheError.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func encodeEntry(e *Entry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, &domain.CacheError{Op: "encode", Err: err}
	}
	return raw, nil
}

func decodeEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, &domain.CacheError{Op: "decode", Err: err}
	}
	return &e, nil
}
