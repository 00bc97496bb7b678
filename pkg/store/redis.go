package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDurable implements DurableTier on Redis. It is the default remote
// snapshot service: one checkpoint row and one live-session row per
// (learner, lesson) key, both under a common prefix.
type RedisDurable struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	liveTTL time.Duration
	mu      sync.RWMutex
	closed  bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all checkpoint keys (default: "tutorloop:").
	Prefix string
	// CheckpointTTL is the checkpoint expiry duration (0 = never expire).
	CheckpointTTL time.Duration
	// LiveTTL is the live-record expiry duration. A short TTL lets
	// an abandoned device lose ownership without explicit release.
	// Default: 10 minutes.
	LiveTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

const defaultLiveTTL = 10 * time.Minute

// NewRedisDurable creates a new Redis durable tier.
func NewRedisDurable(cfg RedisConfig) (*RedisDurable, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tutorloop:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	d := &RedisDurable{
		client: client,
		prefix: prefix,
		ttl:    cfg.CheckpointTTL,
	}
	d.liveTTL = cfg.LiveTTL
	if d.liveTTL <= 0 {
		d.liveTTL = defaultLiveTTL
	}
	return d, nil
}

// NewRedisDurableFromClient creates a Redis durable tier from an existing
// client. This is useful for testing with miniredis.
func NewRedisDurableFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisDurable {
	if prefix == "" {
		prefix = "tutorloop:"
	}
	return &RedisDurable{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		liveTTL: defaultLiveTTL,
	}
}

// Key helpers
func (d *RedisDurable) snapshotKey(key string) string {
	return d.prefix + "snapshot:" + key
}

func (d *RedisDurable) liveKey(key string) string {
	return d.prefix + "live:" + key
}

// PutSnapshot stores the checkpoint payload for key.
func (d *RedisDurable) PutSnapshot(ctx context.Context, key string, data []byte) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrStoreClosed
	}
	d.mu.RUnlock()

	if err := d.client.Set(ctx, d.snapshotKey(key), data, d.ttl).Err(); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the checkpoint payload for key.
func (d *RedisDurable) GetSnapshot(ctx context.Context, key string) ([]byte, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	d.mu.RUnlock()

	data, err := d.client.Get(ctx, d.snapshotKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return data, nil
}

// DeleteSnapshot removes the checkpoint for key.
func (d *RedisDurable) DeleteSnapshot(ctx context.Context, key string) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrStoreClosed
	}
	d.mu.RUnlock()

	if err := d.client.Del(ctx, d.snapshotKey(key)).Err(); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// LoadLive retrieves the live-session record for key.
func (d *RedisDurable) LoadLive(ctx context.Context, key string) (*LiveSession, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	d.mu.RUnlock()

	data, err := d.client.Get(ctx, d.liveKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get live record: %w", err)
	}

	var live LiveSession
	if err := json.Unmarshal(data, &live); err != nil {
		return nil, fmt.Errorf("unmarshal live record: %w", err)
	}
	return &live, nil
}

// SaveLive creates or updates the live-session record for key. The record
// carries the live TTL so ownership lapses when a device goes silent.
func (d *RedisDurable) SaveLive(ctx context.Context, key string, live *LiveSession) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrStoreClosed
	}
	d.mu.RUnlock()

	data, err := json.Marshal(live)
	if err != nil {
		return fmt.Errorf("marshal live record: %w", err)
	}

	if err := d.client.Set(ctx, d.liveKey(key), data, d.liveTTL).Err(); err != nil {
		return fmt.Errorf("save live record: %w", err)
	}
	return nil
}

// DeleteLive removes the live-session record for key.
func (d *RedisDurable) DeleteLive(ctx context.Context, key string) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrStoreClosed
	}
	d.mu.RUnlock()

	if err := d.client.Del(ctx, d.liveKey(key)).Err(); err != nil {
		return fmt.Errorf("delete live record: %w", err)
	}
	return nil
}

// Close releases resources held by the tier.
func (d *RedisDurable) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.client.Close()
}

// Ping checks if the Redis connection is alive.
func (d *RedisDurable) Ping(ctx context.Context) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrStoreClosed
	}
	d.mu.RUnlock()

	return d.client.Ping(ctx).Err()
}
