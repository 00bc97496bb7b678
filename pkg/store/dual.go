package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tutorloop/tutorloop/pkg/snapshot"
)

// DualStore combines the local cache tier and the durable remote tier.
//
// Ordering guarantee: the cache write always happens before the durable
// write is attempted, so a restore on the same client sees its own latest
// write even while the durable write is in flight or has failed. The two
// tiers are deliberately non-transactional: the cache is a same-client
// convenience, not a consistency guarantee.
type DualStore struct {
	cache      CacheTier
	durable    DurableTier
	identity   Identity
	onConflict ConflictFunc
	logger     *slog.Logger
	clock      func() time.Time
}

// Option configures a DualStore.
type Option func(*DualStore)

// WithConflictFunc registers the callback invoked when a durable write is
// rejected by the ownership guard.
func WithConflictFunc(fn ConflictFunc) Option {
	return func(s *DualStore) { s.onConflict = fn }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *DualStore) { s.logger = l }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *DualStore) { s.clock = clock }
}

// NewDualStore creates a dual-tier store writing as the given identity.
func NewDualStore(cache CacheTier, durable DurableTier, identity Identity, opts ...Option) *DualStore {
	s := &DualStore{
		cache:    cache,
		durable:  durable,
		identity: identity,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identity returns the identity this store writes as.
func (s *DualStore) Identity() Identity {
	return s.identity
}

// Write persists a checkpoint to both tiers. The cache write is
// unconditional; failures there are swallowed and the durable write is
// still attempted. The durable write is gated by the ownership guard: if
// another session holds the live record the write is aborted, the conflict
// callback fires, and the previous durable value stays in place.
//
// The only returned error is a serialization failure; every storage
// failure is absorbed into the outcome per the recovery policy.
func (s *DualStore) Write(ctx context.Context, key string, cp *snapshot.Checkpoint) (WriteResult, error) {
	data, err := snapshot.Encode(cp)
	if err != nil {
		return WriteResult{}, fmt.Errorf("encode checkpoint: %w", err)
	}

	if err := s.cache.Put(ctx, key, data); err != nil {
		s.logger.Warn("cache write failed, durable write still attempted",
			"key", key, "error", err)
	}

	live, err := s.durable.LoadLive(ctx, key)
	switch {
	case err == nil:
		if live.OwnerSessionID != s.identity.SessionID {
			s.logger.Info("durable write rejected, session owned elsewhere",
				"key", key, "owner", live.OwnerSessionID)
			if s.onConflict != nil {
				s.onConflict(live)
			}
			return WriteResult{Outcome: WriteConflict, Conflict: live}, nil
		}
	case errors.Is(err, ErrNotFound):
		// No live record: this writer may claim the session.
	default:
		s.logger.Warn("live record lookup failed, cache stands in",
			"key", key, "error", err)
		return WriteResult{Outcome: WriteCacheOnly}, nil
	}

	if err := s.durable.PutSnapshot(ctx, key, data); err != nil {
		s.logger.Warn("durable write failed, cache stands in",
			"key", key, "error", err)
		return WriteResult{Outcome: WriteCacheOnly}, nil
	}

	claim := &LiveSession{
		OwnerSessionID: s.identity.SessionID,
		DeviceLabel:    s.identity.DeviceLabel,
		LastActivityAt: s.clock().UTC(),
	}
	if err := s.durable.SaveLive(ctx, key, claim); err != nil {
		s.logger.Warn("live record update failed", "key", key, "error", err)
	}

	return WriteResult{Outcome: WriteDurable}, nil
}

// Read retrieves a checkpoint, cache first. On a cache miss the durable
// tier is queried and, on a hit, the cache is repopulated before
// returning. Durable transport failures read as absence: the caller falls
// back to a fresh start rather than erroring the session UI.
func (s *DualStore) Read(ctx context.Context, key string) (*snapshot.Checkpoint, error) {
	if data, err := s.cache.Get(ctx, key); err == nil {
		return snapshot.Decode(data), nil
	} else if !errors.Is(err, ErrNotFound) {
		s.logger.Warn("cache read failed", "key", key, "error", err)
	}

	data, err := s.durable.GetSnapshot(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("durable read failed, treating as absent",
				"key", key, "error", err)
		}
		return nil, ErrNotFound
	}

	if err := s.cache.Put(ctx, key, data); err != nil {
		s.logger.Warn("cache repopulate failed", "key", key, "error", err)
	}

	return snapshot.Decode(data), nil
}

// Live returns the current live-session record for key, or ErrNotFound.
func (s *DualStore) Live(ctx context.Context, key string) (*LiveSession, error) {
	return s.durable.LoadLive(ctx, key)
}

// Clear removes every given key from both tiers and drops the live
// records. Callers pass the canonical key together with its legacy
// variants so a restart leaves no orphaned rows behind.
func (s *DualStore) Clear(ctx context.Context, keys ...string) error {
	var firstErr error
	for _, key := range keys {
		if err := s.cache.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("clear cache %q: %w", key, err)
		}
		if err := s.durable.DeleteSnapshot(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("clear durable %q: %w", key, err)
		}
		if err := s.durable.DeleteLive(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("clear live %q: %w", key, err)
		}
	}
	return firstErr
}

// Claim unconditionally writes the live record for key with this store's
// identity. It implements the force-takeover choice after a conflict; the
// guard never calls it on its own.
func (s *DualStore) Claim(ctx context.Context, key string) error {
	claim := &LiveSession{
		OwnerSessionID: s.identity.SessionID,
		DeviceLabel:    s.identity.DeviceLabel,
		LastActivityAt: s.clock().UTC(),
	}
	if err := s.durable.SaveLive(ctx, key, claim); err != nil {
		return fmt.Errorf("claim live record: %w", err)
	}
	return nil
}

// Release drops the live record for key if this identity owns it. Called
// on clean shutdown so another device can take over without a takeover
// prompt.
func (s *DualStore) Release(ctx context.Context, key string) error {
	live, err := s.durable.LoadLive(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load live record: %w", err)
	}
	if live.OwnerSessionID != s.identity.SessionID {
		return nil
	}
	return s.durable.DeleteLive(ctx, key)
}

// Close releases both tiers.
func (s *DualStore) Close() error {
	cacheErr := s.cache.Close()
	durableErr := s.durable.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return durableErr
}
