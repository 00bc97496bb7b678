// Package tutorloop assembles the checkpoint engine from configuration.
// It is the one entry point embedders need: pick storage tiers in a config
// file, then open a session per (learner, lesson) pair.
package tutorloop

import (
	"context"
	"fmt"

	"github.com/tutorloop/tutorloop/pkg/config"
	"github.com/tutorloop/tutorloop/pkg/engine"
	"github.com/tutorloop/tutorloop/pkg/store"
	"github.com/tutorloop/tutorloop/pkg/timer"
)

// OpenStore builds the configured cache and durable tiers and wraps them
// in a dual-tier store with a fresh random session identity. The caller
// owns the store and must Close it.
func OpenStore(ctx context.Context, cfg *config.Config) (*store.DualStore, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	var cache store.CacheTier
	switch cfg.CacheTier {
	case "badger":
		c, err := store.NewBadgerCache(store.BadgerConfig{
			Path:       cfg.Badger.Path,
			InMemory:   cfg.Badger.InMemory,
			SyncWrites: cfg.Badger.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		cache = c
	case "memory", "":
		cache = store.NewMemoryCache()
	default:
		return nil, fmt.Errorf("unknown cache tier %q", cfg.CacheTier)
	}

	var durable store.DurableTier
	switch cfg.DurableTier {
	case "redis":
		d, err := store.NewRedisDurable(store.RedisConfig{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			Prefix:        cfg.Redis.Prefix,
			CheckpointTTL: cfg.Redis.CheckpointTTL,
			LiveTTL:       cfg.Redis.LiveTTL,
			PoolSize:      cfg.Redis.PoolSize,
		})
		if err != nil {
			cache.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		durable = d
	case "firestore":
		d, err := store.NewFirestoreDurable(ctx, store.FirestoreConfig{
			ProjectID:            cfg.Firestore.ProjectID,
			CredentialsFile:      cfg.Firestore.CredentialsFile,
			CheckpointCollection: cfg.Firestore.CheckpointCollection,
			LiveCollection:       cfg.Firestore.LiveCollection,
		})
		if err != nil {
			cache.Close()
			return nil, fmt.Errorf("connect firestore: %w", err)
		}
		durable = d
	case "memory", "":
		durable = store.NewMemoryDurable()
	default:
		cache.Close()
		return nil, fmt.Errorf("unknown durable tier %q", cfg.DurableTier)
	}

	return store.NewDualStore(cache, durable, store.NewIdentity(cfg.DeviceLabel)), nil
}

// OpenSession opens a checkpoint engine for one (learner, lesson) pair
// over a freshly built store. The timer store is created alongside so the
// embedder can drive countdowns through it.
func OpenSession(ctx context.Context, cfg *config.Config, lessonID, learnerID string, opts ...engine.Option) (*engine.Engine, *store.DualStore, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	opts = append([]engine.Option{engine.WithSetSize(cfg.QuestionSetSize)}, opts...)
	e := engine.New(s, timer.NewStore(), lessonID, learnerID, opts...)
	return e, s, nil
}
