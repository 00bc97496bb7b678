package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorloop/tutorloop/pkg/snapshot"
)

// downCache fails every operation, simulating full/unavailable local storage.
type downCache struct{}

func (downCache) Put(ctx context.Context, key string, data []byte) error { return errors.New("quota") }
func (downCache) Get(ctx context.Context, key string) ([]byte, error)   { return nil, errors.New("quota") }
func (downCache) Delete(ctx context.Context, key string) error          { return errors.New("quota") }
func (downCache) Close() error                                          { return nil }

// downDurable fails every operation, simulating a transport outage.
type downDurable struct{}

func (downDurable) PutSnapshot(ctx context.Context, key string, data []byte) error {
	return errors.New("network")
}
func (downDurable) GetSnapshot(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("network")
}
func (downDurable) DeleteSnapshot(ctx context.Context, key string) error { return errors.New("network") }
func (downDurable) LoadLive(ctx context.Context, key string) (*LiveSession, error) {
	return nil, errors.New("network")
}
func (downDurable) SaveLive(ctx context.Context, key string, live *LiveSession) error {
	return errors.New("network")
}
func (downDurable) DeleteLive(ctx context.Context, key string) error { return errors.New("network") }
func (downDurable) Close() error                                     { return nil }

func testCheckpoint(phase snapshot.SessionPhase) *snapshot.Checkpoint {
	cp := snapshot.New("lesson-1", "learner-1")
	cp.Phase = phase
	cp.SubPhase = snapshot.SubIdle
	cp.SavedAt = time.Now().UTC()
	return cp
}

func TestDualStore_WriteThenRead(t *testing.T) {
	ctx := context.Background()
	s := NewDualStore(NewMemoryCache(), NewMemoryDurable(), NewIdentity("tablet"))

	key := snapshot.Key("lesson-1", "learner-1")
	res, err := s.Write(ctx, key, testCheckpoint(snapshot.PhaseTeaching))
	require.NoError(t, err)
	assert.Equal(t, WriteDurable, res.Outcome)

	got, err := s.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, snapshot.PhaseTeaching, got.Phase)
}

func TestDualStore_ReadFallsBackToDurable(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	durable := NewMemoryDurable()
	s := NewDualStore(cache, durable, NewIdentity(""))

	key := snapshot.Key("lesson-1", "learner-1")

	// Seed only the durable tier, as if another device wrote last.
	data, err := snapshot.Encode(testCheckpoint(snapshot.PhaseWorksheet))
	require.NoError(t, err)
	require.NoError(t, durable.PutSnapshot(ctx, key, data))

	got, err := s.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, snapshot.PhaseWorksheet, got.Phase)

	// The durable hit repopulates the cache.
	cached, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, cached)
}

func TestDualStore_ReadNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewDualStore(NewMemoryCache(), NewMemoryDurable(), NewIdentity(""))

	_, err := s.Read(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDualStore_ConflictLeavesDurableUnchanged(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryDurable()
	key := snapshot.Key("lesson-1", "learner-1")

	// Device A writes first and claims ownership.
	deviceA := NewDualStore(NewMemoryCache(), durable, NewIdentity("laptop"))
	res, err := deviceA.Write(ctx, key, testCheckpoint(snapshot.PhaseTeaching))
	require.NoError(t, err)
	require.Equal(t, WriteDurable, res.Outcome)

	// Device B's write must be rejected with A's identity.
	var notified *LiveSession
	deviceB := NewDualStore(NewMemoryCache(), durable, NewIdentity("phone"),
		WithConflictFunc(func(existing *LiveSession) { notified = existing }))

	res, err = deviceB.Write(ctx, key, testCheckpoint(snapshot.PhaseWorksheet))
	require.NoError(t, err)
	assert.Equal(t, WriteConflict, res.Outcome)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, deviceA.Identity().SessionID, res.Conflict.OwnerSessionID)
	assert.Equal(t, "laptop", res.Conflict.DeviceLabel)

	require.NotNil(t, notified)
	assert.Equal(t, deviceA.Identity().SessionID, notified.OwnerSessionID)

	// The durable checkpoint is still device A's.
	data, err := durable.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, snapshot.PhaseTeaching, snapshot.Decode(data).Phase)
}

func TestDualStore_SameOwnerMayRewrite(t *testing.T) {
	ctx := context.Background()
	s := NewDualStore(NewMemoryCache(), NewMemoryDurable(), NewIdentity(""))
	key := snapshot.Key("lesson-1", "learner-1")

	for _, phase := range []snapshot.SessionPhase{snapshot.PhaseDiscussion, snapshot.PhaseTeaching, snapshot.PhaseComprehension} {
		res, err := s.Write(ctx, key, testCheckpoint(phase))
		require.NoError(t, err)
		assert.Equal(t, WriteDurable, res.Outcome)
	}
}

func TestDualStore_CacheFailureStillWritesDurable(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryDurable()
	s := NewDualStore(downCache{}, durable, NewIdentity(""))
	key := snapshot.Key("lesson-1", "learner-1")

	res, err := s.Write(ctx, key, testCheckpoint(snapshot.PhaseExercise))
	require.NoError(t, err)
	assert.Equal(t, WriteDurable, res.Outcome)

	data, err := durable.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, snapshot.PhaseExercise, snapshot.Decode(data).Phase)
}

func TestDualStore_TransportFailureIsCacheOnly(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	s := NewDualStore(cache, downDurable{}, NewIdentity(""))
	key := snapshot.Key("lesson-1", "learner-1")

	res, err := s.Write(ctx, key, testCheckpoint(snapshot.PhaseExercise))
	require.NoError(t, err)
	assert.Equal(t, WriteCacheOnly, res.Outcome)

	// Same-client resume still sees the write through the cache.
	got, err := s.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, snapshot.PhaseExercise, got.Phase)
}

func TestDualStore_ClearRemovesAllVariants(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	durable := NewMemoryDurable()
	s := NewDualStore(cache, durable, NewIdentity(""))

	canonical := snapshot.Key("lesson-1", "learner-1")
	legacy := canonical + ".json"

	_, err := s.Write(ctx, canonical, testCheckpoint(snapshot.PhaseTeaching))
	require.NoError(t, err)
	require.NoError(t, durable.PutSnapshot(ctx, legacy, []byte("{}")))

	require.NoError(t, s.Clear(ctx, canonical, legacy))

	_, err = s.Read(ctx, canonical)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = durable.GetSnapshot(ctx, legacy)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Live(ctx, canonical)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDualStore_ReleaseOnlyWhenOwned(t *testing.T) {
	ctx := context.Background()
	durable := NewMemoryDurable()
	key := snapshot.Key("lesson-1", "learner-1")

	owner := NewDualStore(NewMemoryCache(), durable, NewIdentity("laptop"))
	_, err := owner.Write(ctx, key, testCheckpoint(snapshot.PhaseTeaching))
	require.NoError(t, err)

	// A non-owner release is a no-op.
	other := NewDualStore(NewMemoryCache(), durable, NewIdentity("phone"))
	require.NoError(t, other.Release(ctx, key))
	_, err = durable.LoadLive(ctx, key)
	require.NoError(t, err)

	// The owner's release drops the record.
	require.NoError(t, owner.Release(ctx, key))
	_, err = durable.LoadLive(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}
