package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"duck-analytics/internal/domain"
)

// Badger persists entries in an embedded key-value store so a single
// instance keeps its cache across restarts.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens or creates the store at dir. An empty dir keeps the data
// in memory.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

// Get implements Store.
func (b *Badger) Get(_ context.Context, key string) (*Entry, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.CacheError{Op: "get", Err: err}
	}
	return decodeEntry(raw)
}

// Set implements Store.
func (b *Badger) Set(_ context.Context, key string, e *Entry, ttl time.Duration) error {
	raw, err := encodeEntry(e)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), raw).WithTTL(ttl))
	})
	if err != nil {
		return &domain.CacheError{Op: "set", Err: err}
	}
	return nil
}

// Delete implements Store.
func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return &domain.CacheError{Op: "delete", Err: err}
	}
	return nil
}

// Close implements Store.
func (b *Badger) Close() error {
	return b.db.Close()
}
