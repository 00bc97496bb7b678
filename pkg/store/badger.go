package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerCache implements CacheTier on an embedded BadgerDB. Unlike the
// in-memory cache it survives a client restart, which is what makes a
// same-client resume work after a crash while the durable write was still
// in flight.
type BadgerCache struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerConfig holds configuration for the badger cache tier.
type BadgerConfig struct {
	// Path is the directory for the database files. Ignored when
	// InMemory is true.
	Path string
	// InMemory enables in-memory mode (no disk persistence). Useful
	// for testing.
	InMemory bool
	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool
}

// NewBadgerCache opens (or creates) a badger-backed cache tier.
func NewBadgerCache(cfg BadgerConfig) (*BadgerCache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent mode")
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerCache{db: db}, nil
}

// Put stores a payload under key.
func (c *BadgerCache) Put(ctx context.Context, key string, data []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrStoreClosed
	}
	c.mu.RUnlock()

	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Get retrieves the payload for key.
func (c *BadgerCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	c.mu.RUnlock()

	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return out, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (c *BadgerCache) Delete(ctx context.Context, key string) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrStoreClosed
	}
	c.mu.RUnlock()

	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (c *BadgerCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}
