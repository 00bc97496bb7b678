package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreDurable implements DurableTier on Google Cloud Firestore, for
// deployments that already run on GCP and don't want to operate Redis.
// Checkpoints and live-session records live in two collections, one
// document per (learner, lesson) key.
type FirestoreDurable struct {
	client         *firestore.Client
	checkpointColl string
	liveColl       string
}

// FirestoreConfig holds configuration for the Firestore durable tier.
type FirestoreConfig struct {
	// ProjectID is the GCP project (required).
	ProjectID string
	// CredentialsFile is an optional service account credentials path;
	// otherwise Application Default Credentials are used.
	CredentialsFile string
	// CheckpointCollection defaults to "checkpoints".
	CheckpointCollection string
	// LiveCollection defaults to "live_sessions".
	LiveCollection string
}

// checkpointDoc is the Firestore document shape for a checkpoint row.
type checkpointDoc struct {
	Payload   []byte    `firestore:"payload"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// liveDoc is the Firestore document shape for a live-session row.
type liveDoc struct {
	OwnerSessionID string    `firestore:"ownerSessionId"`
	DeviceLabel    string    `firestore:"deviceLabel"`
	LastActivityAt time.Time `firestore:"lastActivityAt"`
}

// NewFirestoreDurable creates a Firestore durable tier.
func NewFirestoreDurable(ctx context.Context, cfg FirestoreConfig) (*FirestoreDurable, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	checkpointColl := cfg.CheckpointCollection
	if checkpointColl == "" {
		checkpointColl = "checkpoints"
	}
	liveColl := cfg.LiveCollection
	if liveColl == "" {
		liveColl = "live_sessions"
	}

	return &FirestoreDurable{
		client:         client,
		checkpointColl: checkpointColl,
		liveColl:       liveColl,
	}, nil
}

// PutSnapshot stores the checkpoint payload for key.
func (d *FirestoreDurable) PutSnapshot(ctx context.Context, key string, data []byte) error {
	_, err := d.client.Collection(d.checkpointColl).Doc(key).Set(ctx, checkpointDoc{
		Payload:   data,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the checkpoint payload for key.
func (d *FirestoreDurable) GetSnapshot(ctx context.Context, key string) ([]byte, error) {
	doc, err := d.client.Collection(d.checkpointColl).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var row checkpointDoc
	if err := doc.DataTo(&row); err != nil {
		return nil, fmt.Errorf("decode snapshot document: %w", err)
	}
	return row.Payload, nil
}

// DeleteSnapshot removes the checkpoint for key.
func (d *FirestoreDurable) DeleteSnapshot(ctx context.Context, key string) error {
	_, err := d.client.Collection(d.checkpointColl).Doc(key).Delete(ctx)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// LoadLive retrieves the live-session record for key.
func (d *FirestoreDurable) LoadLive(ctx context.Context, key string) (*LiveSession, error) {
	doc, err := d.client.Collection(d.liveColl).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get live record: %w", err)
	}

	var row liveDoc
	if err := doc.DataTo(&row); err != nil {
		return nil, fmt.Errorf("decode live document: %w", err)
	}
	return &LiveSession{
		OwnerSessionID: row.OwnerSessionID,
		DeviceLabel:    row.DeviceLabel,
		LastActivityAt: row.LastActivityAt,
	}, nil
}

// SaveLive creates or updates the live-session record for key.
func (d *FirestoreDurable) SaveLive(ctx context.Context, key string, live *LiveSession) error {
	_, err := d.client.Collection(d.liveColl).Doc(key).Set(ctx, liveDoc{
		OwnerSessionID: live.OwnerSessionID,
		DeviceLabel:    live.DeviceLabel,
		LastActivityAt: live.LastActivityAt,
	})
	if err != nil {
		return fmt.Errorf("save live record: %w", err)
	}
	return nil
}

// DeleteLive removes the live-session record for key.
func (d *FirestoreDurable) DeleteLive(ctx context.Context, key string) error {
	_, err := d.client.Collection(d.liveColl).Doc(key).Delete(ctx)
	if err != nil {
		return fmt.Errorf("delete live record: %w", err)
	}
	return nil
}

// Close releases the Firestore client.
func (d *FirestoreDurable) Close() error {
	return d.client.Close()
}
