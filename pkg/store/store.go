// Package store implements the dual-tier checkpoint store: a fast
// session-local cache plus a durable remote tier, with durable writes
// gated by the session ownership guard. All checkpoint and live-record
// mutation in the engine goes through this package.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors for store operations.
var (
	// ErrNotFound is returned when a key has no value in a tier.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrStoreClosed is returned when operating on a closed tier.
	ErrStoreClosed = errors.New("store is closed")
)

// CacheTier is the fast session-local tier. Writes are unconditional:
// callers treat a cache failure as soft and still attempt the durable
// write. Implementations must be safe for concurrent use.
type CacheTier interface {
	// Put stores a payload under key.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the payload for key.
	// Returns ErrNotFound if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases resources held by the tier.
	Close() error
}

// DurableTier is the authoritative cross-device tier. It holds both the
// checkpoint payload and the live-session ownership record for each
// (learner, lesson) key. Implementations must be safe for concurrent use.
type DurableTier interface {
	// PutSnapshot stores the checkpoint payload for key.
	PutSnapshot(ctx context.Context, key string, data []byte) error

	// GetSnapshot retrieves the checkpoint payload for key.
	// Returns ErrNotFound if the key is absent.
	GetSnapshot(ctx context.Context, key string) ([]byte, error)

	// DeleteSnapshot removes the checkpoint for key.
	DeleteSnapshot(ctx context.Context, key string) error

	// LoadLive retrieves the live-session ownership record for key.
	// Returns ErrNotFound if no session currently owns the key.
	LoadLive(ctx context.Context, key string) (*LiveSession, error)

	// SaveLive creates or updates the live-session record for key.
	SaveLive(ctx context.Context, key string, live *LiveSession) error

	// DeleteLive removes the live-session record for key.
	DeleteLive(ctx context.Context, key string) error

	// Close releases resources held by the tier.
	Close() error
}

// LiveSession is the ownership record for a running (learner, lesson)
// session. It is distinct from the checkpoint itself: it only answers
// "which client instance is currently driving this session".
type LiveSession struct {
	// OwnerSessionID is the random identifier of the owning client
	// instance.
	OwnerSessionID string `json:"ownerSessionId"`
	// DeviceLabel is an optional human-readable device description.
	DeviceLabel string `json:"deviceLabel,omitempty"`
	// LastActivityAt is when the owner last wrote a checkpoint.
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// WriteOutcome classifies the result of a dual-tier write.
type WriteOutcome int

const (
	// WriteDurable means both tiers hold the new checkpoint.
	WriteDurable WriteOutcome = iota
	// WriteCacheOnly means the durable write soft-failed (transport or
	// availability); the local cache stands in for same-client resumes.
	WriteCacheOnly
	// WriteConflict means another session owns the live record; the
	// durable checkpoint was left untouched.
	WriteConflict
)

// String returns the outcome name for logs and metrics labels.
func (o WriteOutcome) String() string {
	switch o {
	case WriteDurable:
		return "durable"
	case WriteCacheOnly:
		return "cache_only"
	case WriteConflict:
		return "conflict"
	}
	return "unknown"
}

// WriteResult reports how a write landed. Conflict is non-nil only when
// Outcome is WriteConflict.
type WriteResult struct {
	Outcome  WriteOutcome
	Conflict *LiveSession
}
