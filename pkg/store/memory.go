package store

import (
	"context"
	"sync"
)

// MemoryCache is an in-process CacheTier. It is the default local tier in
// tests and single-process deployments; production clients use the badger
// tier so the cache survives a client restart.
type MemoryCache struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryCache creates an empty in-memory cache tier.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string][]byte)}
}

// Put stores a payload under key.
func (c *MemoryCache) Put(ctx context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrStoreClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.data[key] = cp
	return nil
}

// Get retrieves the payload for key.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrStoreClosed
	}
	data, ok := c.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Delete removes a key.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrStoreClosed
	}
	delete(c.data, key)
	return nil
}

// Close marks the cache closed.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.data = nil
	return nil
}

// MemoryDurable is an in-process DurableTier used in tests and local
// development. It models the remote snapshot service's two rows per key:
// the checkpoint payload and the live-session record.
type MemoryDurable struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	live      map[string]*LiveSession
	closed    bool
}

// NewMemoryDurable creates an empty in-memory durable tier.
func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{
		snapshots: make(map[string][]byte),
		live:      make(map[string]*LiveSession),
	}
}

// PutSnapshot stores the checkpoint payload for key.
func (d *MemoryDurable) PutSnapshot(ctx context.Context, key string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrStoreClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	d.snapshots[key] = cp
	return nil
}

// GetSnapshot retrieves the checkpoint payload for key.
func (d *MemoryDurable) GetSnapshot(ctx context.Context, key string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrStoreClosed
	}
	data, ok := d.snapshots[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// DeleteSnapshot removes the checkpoint for key.
func (d *MemoryDurable) DeleteSnapshot(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrStoreClosed
	}
	delete(d.snapshots, key)
	return nil
}

// LoadLive retrieves the live-session record for key.
func (d *MemoryDurable) LoadLive(ctx context.Context, key string) (*LiveSession, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrStoreClosed
	}
	live, ok := d.live[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := *live
	return &out, nil
}

// SaveLive creates or updates the live-session record for key.
func (d *MemoryDurable) SaveLive(ctx context.Context, key string, live *LiveSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrStoreClosed
	}
	cp := *live
	d.live[key] = &cp
	return nil
}

// DeleteLive removes the live-session record for key.
func (d *MemoryDurable) DeleteLive(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrStoreClosed
	}
	delete(d.live, key)
	return nil
}

// Close marks the tier closed.
func (d *MemoryDurable) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	d.snapshots = nil
	d.live = nil
	return nil
}
