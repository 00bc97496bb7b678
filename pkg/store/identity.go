package store

import (
	"github.com/google/uuid"
)

// Identity names a running client instance. The session ID is random per
// process start and intentionally not persisted: a restarted client is a
// new writer and must reclaim ownership through the guard.
type Identity struct {
	// SessionID uniquely identifies this client instance.
	SessionID string
	// DeviceLabel is an optional human-readable device description shown
	// to the learner in takeover prompts.
	DeviceLabel string
}

// NewIdentity generates a fresh client identity.
func NewIdentity(deviceLabel string) Identity {
	return Identity{
		SessionID:   uuid.New().String(),
		DeviceLabel: deviceLabel,
	}
}

// ConflictFunc is invoked when a durable write is rejected because another
// session owns the live record. The caller decides the UX (block, prompt,
// force-takeover); the store performs no automatic resolution.
type ConflictFunc func(existing *LiveSession)
