// Package engine owns the session checkpoint aggregate and the explicit
// milestone call sites that persist it. There is no background autosave:
// what's on disk is exactly the last milestone the learner completed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tutorloop/tutorloop/pkg/observability"
	"github.com/tutorloop/tutorloop/pkg/restore"
	"github.com/tutorloop/tutorloop/pkg/snapshot"
	"github.com/tutorloop/tutorloop/pkg/store"
	"github.com/tutorloop/tutorloop/pkg/timer"
)

// ErrConflict is returned from a milestone save when another session owns
// the live record. It is the one failure that must reach the caller: the
// learner has to decide which device continues. Details arrive through
// the store's conflict callback.
var ErrConflict = errors.New("session is owned by another device")

// ErrNoActiveQuestion is returned when an answer is submitted with no
// question in flight.
var ErrNoActiveQuestion = errors.New("no question in flight")

// ErrSetExhausted is returned by AskQuestion when every item in the current
// phase's generated set has been answered. The index one past the final
// item is persisted as the exhausted marker, so a reload after the last
// answer never re-asks that question.
var ErrSetExhausted = errors.New("question set exhausted")

// QuestionSource supplies generated item sets. The engine persists and
// restores items opaquely and never mutates their content.
type QuestionSource interface {
	Generate(ctx context.Context, lessonID string, phase snapshot.SessionPhase, count int) ([]snapshot.QuestionItem, error)
}

// TranscriptSink receives the live caption log on every checkpoint save.
// Pushes are best effort: a sink failure never aborts the save.
type TranscriptSink interface {
	Push(ctx context.Context, lessonID, learnerID string, lines []snapshot.TranscriptLine) error
}

// activeTimer is the timer the engine captures into each checkpoint.
type activeTimer struct {
	phase  snapshot.SessionPhase
	mode   snapshot.TimerMode
	target int
}

// Engine drives the session state machine for one (learner, lesson) pair
// and checkpoints it at flow milestones. Safe for concurrent use, though
// a single UI thread is the expected caller.
type Engine struct {
	mu         sync.Mutex
	store      *store.DualStore
	reconciler *restore.Reconciler
	timers     *timer.Store
	questions  QuestionSource
	sink       TranscriptSink
	logger     *slog.Logger
	clock      func() time.Time

	lessonID  string
	learnerID string
	key       string
	setSize   int

	cp    *snapshot.Checkpoint
	timer *activeTimer
}

// Option configures an Engine.
type Option func(*Engine)

// WithQuestionSource sets the question-bank generator collaborator.
func WithQuestionSource(qs QuestionSource) Option {
	return func(e *Engine) { e.questions = qs }
}

// WithTranscriptSink sets the transcript collaborator.
func WithTranscriptSink(ts TranscriptSink) Option {
	return func(e *Engine) { e.sink = ts }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithSetSize sets how many items to request per generated question set.
func WithSetSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.setSize = n
		}
	}
}

// New creates an engine for a (learner, lesson) pair over the given store.
// The timer store may be shared with the UI layer.
func New(s *store.DualStore, timers *timer.Store, lessonID, learnerID string, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		timers:    timers,
		logger:    slog.Default(),
		clock:     time.Now,
		lessonID:  lessonID,
		learnerID: learnerID,
		key:       snapshot.Key(lessonID, learnerID),
		setSize:   10,
		cp:        snapshot.New(lessonID, learnerID),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reconciler = restore.NewReconciler(s, timers,
		restore.WithLogger(e.logger), restore.WithClock(e.clock))
	return e
}

// Checkpoint returns the current aggregate. Callers must treat it as
// read-only; all mutation goes through milestone methods.
func (e *Engine) Checkpoint() *snapshot.Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cp
}

// Start performs the startup restore. The UI holds a loading state until
// this returns, so the learner never interacts with unreconciled state.
// The returned state says whether to offer a resume; accepting it goes
// through Resume, declining through Restart.
func (e *Engine) Start(ctx context.Context) *restore.ReconciledState {
	started := e.clock()
	ctx, span := observability.Tracer().Start(ctx, "engine.restore",
		trace.WithAttributes(attribute.String("lesson", e.lessonID)))
	defer span.End()

	state := e.reconciler.Restore(ctx, e.lessonID, e.learnerID)

	result := "resumed"
	if state.Fresh {
		result = "fresh"
	}
	observability.RecordRestore(result, e.clock().Sub(started))
	return state
}

// Resume adopts a restored checkpoint and saves, claiming ownership of the
// live session. Generated item lists only overwrite the current aggregate
// when non-empty, so a stale empty array never clobbers freshly generated
// content.
func (e *Engine) Resume(ctx context.Context, state *restore.ReconciledState) error {
	if state == nil || state.Fresh || state.Checkpoint == nil {
		return fmt.Errorf("nothing to resume")
	}

	e.mu.Lock()
	current := e.cp
	adopted := state.Checkpoint
	if len(adopted.ComprehensionSet) == 0 && len(current.ComprehensionSet) > 0 {
		adopted.ComprehensionSet = current.ComprehensionSet
	}
	if len(adopted.ExerciseSet) == 0 && len(current.ExerciseSet) > 0 {
		adopted.ExerciseSet = current.ExerciseSet
	}
	if len(adopted.WorksheetSet) == 0 && len(current.WorksheetSet) > 0 {
		adopted.WorksheetSet = current.WorksheetSet
	}
	if len(adopted.TestSet) == 0 && len(current.TestSet) > 0 {
		adopted.TestSet = current.TestSet
	}
	adopted.BeginOverlay = state.ShowBeginOverlay
	e.cp = adopted
	e.mu.Unlock()

	return e.save(ctx, "resume")
}

// EnterPhase moves the session to a new phase and saves. For question
// phases with no generated items yet, the question source is consulted
// first so the set is captured in the same checkpoint.
func (e *Engine) EnterPhase(ctx context.Context, phase snapshot.SessionPhase) error {
	if !phase.Valid() {
		return fmt.Errorf("unknown phase %q", phase)
	}

	e.mu.Lock()
	e.cp.Phase = phase
	e.cp.SubPhase = snapshot.SubIdle
	if phase.QuestionPhase() {
		e.cp.SubPhase = snapshot.SubEntering
	}
	if !phase.First() {
		e.cp.BeginOverlay = false
	}
	e.cp.Questions.Active = nil

	needsSet := phase.QuestionPhase() && len(e.cp.SetFor(phase)) == 0 && e.questions != nil
	e.mu.Unlock()

	if needsSet {
		items, err := e.questions.Generate(ctx, e.lessonID, phase, e.setSize)
		if err != nil {
			// A generation failure is not fatal to the transition; the
			// set can be generated on the next entry attempt.
			e.logger.Warn("question set generation failed",
				"phase", phase, "error", err)
		} else {
			e.mu.Lock()
			switch phase {
			case snapshot.PhaseComprehension:
				e.cp.ComprehensionSet = items
			case snapshot.PhaseExercise:
				e.cp.ExerciseSet = items
			case snapshot.PhaseWorksheet:
				e.cp.WorksheetSet = items
			case snapshot.PhaseTest:
				e.cp.TestSet = items
			}
			e.mu.Unlock()
		}
	}

	return e.save(ctx, "phase_entry")
}

// AskQuestion puts the item at the current index in flight and saves, so
// a refresh re-asks this exact question.
func (e *Engine) AskQuestion(ctx context.Context) (snapshot.QuestionItem, error) {
	e.mu.Lock()
	phase := e.cp.Phase
	if !phase.QuestionPhase() {
		e.mu.Unlock()
		return nil, fmt.Errorf("phase %q has no questions", phase)
	}
	set := e.cp.SetFor(phase)
	if len(set) == 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("no generated items for phase %q", phase)
	}
	e.cp.ClampIndexes()
	idx := e.cp.IndexFor(phase)
	if idx >= len(set) {
		e.mu.Unlock()
		return nil, ErrSetExhausted
	}
	item := set[idx]
	e.cp.Questions.Active = &snapshot.ActiveQuestion{Phase: phase, Item: item}
	e.cp.SubPhase = snapshot.SubAwaitingAnswer
	e.mu.Unlock()

	if err := e.save(ctx, "ask_question"); err != nil {
		return nil, err
	}
	return item, nil
}

// SubmitAnswer records the learner's answer to the in-flight question,
// advances the question pointer, and saves. Test answers also feed the
// scoring lists.
func (e *Engine) SubmitAnswer(ctx context.Context, answer string, correct bool) error {
	e.mu.Lock()
	active := e.cp.Questions.Active
	if active == nil {
		e.mu.Unlock()
		return ErrNoActiveQuestion
	}
	phase := active.Phase

	if phase == snapshot.PhaseTest {
		e.cp.Scoring.Answers = append(e.cp.Scoring.Answers, answer)
		e.cp.Scoring.Correct = append(e.cp.Scoring.Correct, correct)
		if correct {
			e.cp.Scoring.CorrectCount++
		}
	}

	e.cp.SetIndexFor(phase, e.cp.IndexFor(phase)+1)
	e.cp.Questions.Active = nil
	e.cp.SubPhase = snapshot.SubFeedback
	e.mu.Unlock()

	return e.save(ctx, "answer_submit")
}

// SetTeachingStage moves the teaching phase to a stage and saves.
// Re-entering the current stage counts as a repeat.
func (e *Engine) SetTeachingStage(ctx context.Context, stage snapshot.SubPhase) error {
	if !snapshot.PhaseTeaching.ValidSub(stage) {
		return fmt.Errorf("unknown teaching stage %q", stage)
	}

	e.mu.Lock()
	if stage == e.cp.Teaching.Stage {
		switch stage {
		case snapshot.SubDefinitions:
			e.cp.Teaching.DefinitionsRepeats++
		case snapshot.SubExplanation:
			e.cp.Teaching.ExplanationRepeats++
		case snapshot.SubExamples:
			e.cp.Teaching.ExamplesRepeats++
		}
	}
	e.cp.Teaching.Stage = stage
	e.cp.Teaching.Sentence = nil
	if e.cp.Phase == snapshot.PhaseTeaching && stage != snapshot.SubIdle {
		e.cp.SubPhase = stage
	}
	e.mu.Unlock()

	return e.save(ctx, "teaching_stage")
}

// MarkSentence records that a teaching stage is mid-utterance and saves,
// so a resume can pick up at the same sentence.
func (e *Engine) MarkSentence(ctx context.Context, sentences []string, index int) error {
	if index < 0 || index >= len(sentences) {
		return fmt.Errorf("sentence index %d out of range", index)
	}

	e.mu.Lock()
	e.cp.Teaching.Sentence = &snapshot.SentenceCursor{Sentences: sentences, Index: index}
	e.mu.Unlock()

	return e.save(ctx, "sentence_cursor")
}

// AddCaption appends a transcript line to the caption log and saves.
func (e *Engine) AddCaption(ctx context.Context, role, text string) error {
	if text == "" {
		return fmt.Errorf("caption text is empty")
	}
	if role != snapshot.RoleUser {
		role = snapshot.RoleAssistant
	}

	e.mu.Lock()
	e.cp.Captions.Lines = append(e.cp.Captions.Lines, snapshot.TranscriptLine{Role: role, Text: text})
	e.mu.Unlock()

	return e.save(ctx, "caption")
}

// AdvanceCaptionCursor moves the caption read cursor without saving; the
// cursor rides along with the next milestone save.
func (e *Engine) AdvanceCaptionCursor(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cp.Captions.Cursor += n
	if e.cp.Captions.Cursor < 0 {
		e.cp.Captions.Cursor = 0
	}
	if e.cp.Captions.Cursor > len(e.cp.Captions.Lines) {
		e.cp.Captions.Cursor = len(e.cp.Captions.Lines)
	}
}

// StartTimer begins capturing a phase timer into every checkpoint save.
// At most one timer is tracked per restore cycle.
func (e *Engine) StartTimer(phase snapshot.SessionPhase, mode snapshot.TimerMode, targetSeconds int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if targetSeconds < 0 {
		targetSeconds = 0
	}
	e.timer = &activeTimer{phase: phase, mode: mode, target: targetSeconds}
}

// StopTimer stops capturing the phase timer.
func (e *Engine) StopTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timer = nil
}

// CompleteTest closes the test phase with a final percentage and saves.
// A closed test is a completed session: restore never offers it again.
func (e *Engine) CompleteTest(ctx context.Context) error {
	e.mu.Lock()
	if e.cp.Phase != snapshot.PhaseTest {
		e.mu.Unlock()
		return fmt.Errorf("cannot close test from phase %q", e.cp.Phase)
	}
	total := len(e.cp.Scoring.Correct)
	pct := 0.0
	if total > 0 {
		pct = float64(e.cp.Scoring.CorrectCount) / float64(total) * 100
	}
	e.cp.Scoring.FinalPercent = &pct
	e.cp.SubPhase = snapshot.SubIdle
	e.mu.Unlock()

	return e.save(ctx, "test_complete")
}

// ForceTakeover claims ownership of the live session for this client and
// re-saves the current aggregate. Called after the learner answers a
// takeover prompt with "continue here".
func (e *Engine) ForceTakeover(ctx context.Context) error {
	if err := e.store.Claim(ctx, e.key); err != nil {
		return fmt.Errorf("take over session: %w", err)
	}
	return e.save(ctx, "takeover")
}

// Restart destroys the session's persisted state: both tiers, every
// legacy key variant, the live record, and the lesson's timers. The next
// milestone save recreates the checkpoint from scratch.
func (e *Engine) Restart(ctx context.Context) error {
	keys := restore.CandidateKeys(e.key)
	if err := e.store.Clear(ctx, keys...); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}

	e.mu.Lock()
	e.cp = snapshot.New(e.lessonID, e.learnerID)
	e.timer = nil
	e.mu.Unlock()

	if e.timers != nil {
		e.timers.Reset(e.lessonID)
	}
	return nil
}

// Close releases this engine's ownership of the live session so another
// device can take over without a takeover prompt.
func (e *Engine) Close(ctx context.Context) error {
	return e.store.Release(ctx, e.key)
}

// save is the single persistence path for all milestones. The payload is
// fully constructed in memory before any I/O starts; there are no partial
// writes to recover from.
func (e *Engine) save(ctx context.Context, milestone string) error {
	started := e.clock()
	ctx, span := observability.Tracer().Start(ctx, "engine.save",
		trace.WithAttributes(
			attribute.String("lesson", e.lessonID),
			attribute.String("milestone", milestone),
		))
	defer span.End()

	// The aggregate is cloned under the lock so the store serializes a
	// stable payload while later milestones keep mutating the original.
	e.mu.Lock()
	e.cp.SavedAt = e.clock().UTC()
	e.captureTimerLocked()
	cp := e.cp.Clone()
	e.mu.Unlock()

	e.pushTranscript(ctx, cp.Captions.Lines)

	res, err := e.store.Write(ctx, e.key, cp)
	if err != nil {
		observability.RecordCheckpointSave(milestone, "error", e.clock().Sub(started))
		return fmt.Errorf("write checkpoint: %w", err)
	}

	observability.RecordCheckpointSave(milestone, res.Outcome.String(), e.clock().Sub(started))

	if res.Outcome == store.WriteConflict {
		observability.RecordConflict()
		return ErrConflict
	}
	return nil
}

// captureTimerLocked stamps the active timer into the checkpoint.
// Caller holds e.mu.
func (e *Engine) captureTimerLocked() {
	if e.timer == nil {
		e.cp.Timer = nil
		return
	}
	elapsed := 0
	if e.timers != nil {
		elapsed, _ = e.timers.Elapsed(e.lessonID, e.timer.phase, e.timer.mode)
	}
	e.cp.Timer = &snapshot.TimerSnapshot{
		Phase:          e.timer.phase,
		Mode:           e.timer.mode,
		CapturedAt:     e.clock().UTC(),
		ElapsedSeconds: elapsed,
		TargetSeconds:  e.timer.target,
	}
}

// pushTranscript sends the caption log to the transcript sink. Best
// effort: failures are counted and logged, never propagated.
func (e *Engine) pushTranscript(ctx context.Context, lines []snapshot.TranscriptLine) {
	if e.sink == nil || len(lines) == 0 {
		return
	}
	if err := e.sink.Push(ctx, e.lessonID, e.learnerID, lines); err != nil {
		observability.RecordTranscriptPushFailure()
		e.logger.Warn("transcript push failed", "error", err)
	}
}
