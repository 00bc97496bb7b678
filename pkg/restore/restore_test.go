package restore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorloop/tutorloop/pkg/snapshot"
	"github.com/tutorloop/tutorloop/pkg/store"
	"github.com/tutorloop/tutorloop/pkg/timer"
)

func newStore(t *testing.T) *store.DualStore {
	t.Helper()
	s := store.NewDualStore(store.NewMemoryCache(), store.NewMemoryDurable(), store.NewIdentity("test"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeAt(t *testing.T, s *store.DualStore, key string, cp *snapshot.Checkpoint, at time.Time) {
	t.Helper()
	cp.SavedAt = at
	res, err := s.Write(context.Background(), key, cp)
	require.NoError(t, err)
	require.Equal(t, store.WriteDurable, res.Outcome)
}

func TestCandidateKeys(t *testing.T) {
	keys := CandidateKeys("lesson_state:l1:u1")
	require.Equal(t, []string{
		"lesson_state:l1:u1",
		"lesson_state:l1:u1.json",
		"lesson_state:l1:u1_10q",
		"lesson_state:l1:u1_20q",
	}, keys)
}

func TestRestore_NothingSaved(t *testing.T) {
	r := NewReconciler(newStore(t), nil)

	state := r.Restore(context.Background(), "l1", "u1")

	assert.True(t, state.Fresh)
	assert.Equal(t, snapshot.PhaseDiscussion, state.Phase)
	assert.Equal(t, snapshot.SubIdle, state.SubPhase)
	assert.True(t, state.ShowBeginOverlay)
	assert.False(t, state.OfferResume)
	assert.Equal(t, ActionAnnouncePhase, state.Next)
	assert.Nil(t, state.Checkpoint)
}

func TestRestore_NewestWinsRegardlessOfCandidateOrder(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	canonical := snapshot.Key("l1", "u1")

	// The canonical key (tried first) holds an older checkpoint than a
	// legacy variant.
	older := snapshot.New("l1", "u1")
	older.Phase = snapshot.PhaseTeaching
	writeAt(t, s, canonical, older, now.Add(-time.Hour))

	newer := snapshot.New("l1", "u1")
	newer.Phase = snapshot.PhaseWorksheet
	newer.SubPhase = snapshot.SubAsking
	writeAt(t, s, canonical+"_20q", newer, now)

	state := NewReconciler(s, nil).Restore(context.Background(), "l1", "u1")

	require.False(t, state.Fresh)
	assert.Equal(t, snapshot.PhaseWorksheet, state.Phase)
}

func TestRestore_VersionGate(t *testing.T) {
	s := newStore(t)
	cp := snapshot.New("l1", "u1")
	cp.Version = snapshot.CurrentVersion - 1
	cp.Phase = snapshot.PhaseTeaching
	writeAt(t, s, snapshot.Key("l1", "u1"), cp, time.Now().UTC())

	state := NewReconciler(s, nil).Restore(context.Background(), "l1", "u1")

	assert.True(t, state.Fresh)
}

func TestRestore_CompletedSessionsFiltered(t *testing.T) {
	pct := 90.0

	tests := []struct {
		name  string
		phase snapshot.SessionPhase
		final *float64
	}{
		{"congrats", snapshot.PhaseCongrats, nil},
		{"closed test", snapshot.PhaseTest, &pct},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			cp := snapshot.New("l1", "u1")
			cp.Phase = tt.phase
			cp.Scoring.FinalPercent = tt.final
			writeAt(t, s, snapshot.Key("l1", "u1"), cp, time.Now().UTC())

			state := NewReconciler(s, nil).Restore(context.Background(), "l1", "u1")
			assert.True(t, state.Fresh)
		})
	}
}

func TestRestore_OpenTestIsResumable(t *testing.T) {
	s := newStore(t)
	cp := snapshot.New("l1", "u1")
	cp.Phase = snapshot.PhaseTest
	cp.SubPhase = snapshot.SubAwaitingAnswer
	writeAt(t, s, snapshot.Key("l1", "u1"), cp, time.Now().UTC())

	state := NewReconciler(s, nil).Restore(context.Background(), "l1", "u1")

	require.False(t, state.Fresh)
	assert.Equal(t, snapshot.PhaseTest, state.Phase)
}

func TestRestore_WorksheetMidQuestionScenario(t *testing.T) {
	// Learner answered question 3 of 10; checkpoint saved; client reloads
	// with no other session active.
	s := newStore(t)

	cp := snapshot.New("l1", "u1")
	cp.Phase = snapshot.PhaseWorksheet
	cp.SubPhase = snapshot.SubAwaitingAnswer
	cp.BeginOverlay = false
	cp.WorksheetSet = make([]snapshot.QuestionItem, 10)
	for i := range cp.WorksheetSet {
		cp.WorksheetSet[i] = snapshot.QuestionItem{"id": float64(i)}
	}
	cp.Questions.WorksheetIndex = 3
	cp.Questions.Active = &snapshot.ActiveQuestion{
		Phase: snapshot.PhaseWorksheet,
		Item:  snapshot.QuestionItem{"id": float64(3), "prompt": "Spell 'cat'"},
	}
	writeAt(t, s, snapshot.Key("l1", "u1"), cp, time.Now().UTC())

	state := NewReconciler(s, nil).Restore(context.Background(), "l1", "u1")

	require.False(t, state.Fresh)
	assert.Equal(t, snapshot.PhaseWorksheet, state.Phase)
	assert.Equal(t, snapshot.SubAwaitingAnswer, state.SubPhase)
	assert.Equal(t, 3, state.Checkpoint.Questions.WorksheetIndex)
	assert.Equal(t, ActionRepresentQuestion, state.Next)
	require.NotNil(t, state.Question)
	// The exact saved question is re-presented, not a regenerated one.
	assert.Equal(t, "Spell 'cat'", state.Question.Item["prompt"])
	assert.True(t, state.OfferResume)
	assert.False(t, state.ShowBeginOverlay)
}

func TestRestore_BeginOverlaySuppressedPastFirstPhase(t *testing.T) {
	s := newStore(t)
	cp := snapshot.New("l1", "u1")
	cp.Phase = snapshot.PhaseExercise
	cp.SubPhase = snapshot.SubEntering
	cp.BeginOverlay = true // stale flag from a buggy writer
	writeAt(t, s, snapshot.Key("l1", "u1"), cp, time.Now().UTC())

	state := NewReconciler(s, nil).Restore(context.Background(), "l1", "u1")

	require.False(t, state.Fresh)
	assert.False(t, state.ShowBeginOverlay)
}

func TestRestore_PristineCheckpointSuppressesResumeOffer(t *testing.T) {
	s := newStore(t)
	cp := snapshot.New("l1", "u1")
	writeAt(t, s, snapshot.Key("l1", "u1"), cp, time.Now().UTC())

	state := NewReconciler(s, nil).Restore(context.Background(), "l1", "u1")

	require.False(t, state.Fresh)
	assert.False(t, state.OfferResume)
	assert.Equal(t, ActionAnnouncePhase, state.Next)
}

// flakyDurable fails snapshot reads on one key while serving the rest.
type flakyDurable struct {
	*store.MemoryDurable
	badKey string
}

func (d *flakyDurable) GetSnapshot(ctx context.Context, key string) ([]byte, error) {
	if key == d.badKey {
		return nil, errors.New("backend timeout")
	}
	return d.MemoryDurable.GetSnapshot(ctx, key)
}

func TestRestore_CandidateReadFailureDegradesToAbsent(t *testing.T) {
	canonical := snapshot.Key("l1", "u1")
	durable := &flakyDurable{MemoryDurable: store.NewMemoryDurable(), badKey: canonical + "_10q"}
	s := store.NewDualStore(store.NewMemoryCache(), durable, store.NewIdentity("test"))
	t.Cleanup(func() { _ = s.Close() })

	cp := snapshot.New("l1", "u1")
	cp.Phase = snapshot.PhaseTeaching
	cp.SavedAt = time.Now().UTC()
	data, err := snapshot.Encode(cp)
	require.NoError(t, err)
	require.NoError(t, durable.PutSnapshot(context.Background(), canonical+"_20q", data))

	// The failing candidate counts as absent; the surviving legacy
	// variant still restores.
	state := NewReconciler(s, nil).Restore(context.Background(), "l1", "u1")

	require.False(t, state.Fresh)
	assert.Equal(t, snapshot.PhaseTeaching, state.Phase)
}

func TestRestore_IndexClampedToSetLength(t *testing.T) {
	s := newStore(t)
	cp := snapshot.New("l1", "u1")
	cp.Phase = snapshot.PhaseComprehension
	cp.SubPhase = snapshot.SubAsking
	cp.ComprehensionSet = []snapshot.QuestionItem{{"id": float64(0)}, {"id": float64(1)}}
	cp.Questions.ComprehensionIndex = 9
	writeAt(t, s, snapshot.Key("l1", "u1"), cp, time.Now().UTC())

	state := NewReconciler(s, nil).Restore(context.Background(), "l1", "u1")

	require.False(t, state.Fresh)
	assert.Equal(t, 2, state.Checkpoint.Questions.ComprehensionIndex)
}

func TestRestore_ExhaustedSetPointerPreserved(t *testing.T) {
	s := newStore(t)
	cp := snapshot.New("l1", "u1")
	cp.Phase = snapshot.PhaseWorksheet
	cp.SubPhase = snapshot.SubFeedback
	cp.WorksheetSet = []snapshot.QuestionItem{{"id": float64(0)}, {"id": float64(1)}}
	cp.Questions.WorksheetIndex = 2
	writeAt(t, s, snapshot.Key("l1", "u1"), cp, time.Now().UTC())

	state := NewReconciler(s, nil).Restore(context.Background(), "l1", "u1")

	require.False(t, state.Fresh)
	assert.Equal(t, 2, state.Checkpoint.Questions.WorksheetIndex)
	assert.Equal(t, ActionAnnouncePhase, state.Next)
}

func TestRestore_TimerReseededWithDrift(t *testing.T) {
	s := newStore(t)
	timers := timer.NewStore()

	captured := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := captured.Add(45 * time.Second)

	cp := snapshot.New("l1", "u1")
	cp.Phase = snapshot.PhaseWorksheet
	cp.SubPhase = snapshot.SubAsking
	cp.Timer = &snapshot.TimerSnapshot{
		Phase:          snapshot.PhaseWorksheet,
		Mode:           snapshot.ModeWork,
		CapturedAt:     captured,
		ElapsedSeconds: 30,
		TargetSeconds:  60,
	}
	writeAt(t, s, snapshot.Key("l1", "u1"), cp, captured)

	r := NewReconciler(s, timers, WithClock(func() time.Time { return now }))
	state := r.Restore(context.Background(), "l1", "u1")

	require.False(t, state.Fresh)
	elapsed, ok := timers.Elapsed("l1", snapshot.PhaseWorksheet, snapshot.ModeWork)
	require.True(t, ok)
	// 30s saved + 45s drift, clamped to the 60s target.
	assert.Equal(t, 60, elapsed)
}
