package cache

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/coder/quartz"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryConfig sizes the in-process store.
type MemoryConfig struct {
	Shards int
	// Size is the maximum number of entries per shard.
	Size int
	// MaxTTL caps how long any entry is kept.
	MaxTTL time.Duration
}

type memoryItem struct {
	raw     []byte
	expires time.Time
}

// Memory is a sharded in-process LRU store. Entries are stored encoded so
// callers never share mutable state.
type Memory struct {
	clock  quartz.Clock
	shards []*expirable.LRU[string, memoryItem]
}

// NewMemory creates an in-process store. A nil clock uses the real clock.
func NewMemory(cfg MemoryConfig, clock quartz.Clock) *Memory {
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	m := &Memory{clock: clock, shards: make([]*expirable.LRU[string, memoryItem], cfg.Shards)}
	for i := range m.shards {
		m.shards[i] = expirable.NewLRU[string, memoryItem](cfg.Size, nil, cfg.MaxTTL)
	}
	return m
}

func (m *Memory) shard(key string) *expirable.LRU[string, memoryItem] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	s := m.shard(key)
	item, ok := s.Get(key)
	if !ok {
		return nil, nil
	}
	if !m.clock.Now().Before(item.expires) {
		s.Remove(key)
		return nil, nil
	}
	return decodeEntry(item.raw)
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, e *Entry, ttl time.Duration) error {
	raw, err := encodeEntry(e)
	if err != nil {
		return err
	}
	m.shard(key).Add(key, memoryItem{raw: raw, expires: m.clock.Now().Add(ttl)})
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.shard(key).Remove(key)
	return nil
}

// Len returns the number of entries across shards.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		n += s.Len()
	}
	return n
}

// Close implements Store.
func (m *Memory) Close() error {
	for _, s := range m.shards {
		s.Purge()
	}
	return nil
}
