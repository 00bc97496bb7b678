// Package snapshot defines the canonical, versioned shape of a tutoring
// session checkpoint. All decoding of persisted payloads goes through the
// Normalize boundary in this package, so the rest of the engine only ever
// sees valid phase values, non-negative counters, and well-formed lists.
package snapshot

import (
	"time"
)

// CurrentVersion is the snapshot format version this build writes and
// understands. Restorers ignore checkpoints below this version entirely
// rather than attempting a partial decode.
const CurrentVersion = 3

// SessionPhase identifies where in the tutoring flow a session is.
type SessionPhase string

const (
	PhaseDiscussion    SessionPhase = "discussion"
	PhaseTeaching      SessionPhase = "teaching"
	PhaseComprehension SessionPhase = "comprehension"
	PhaseExercise      SessionPhase = "exercise"
	PhaseWorksheet     SessionPhase = "worksheet"
	PhaseTest          SessionPhase = "test"
	PhaseCongrats      SessionPhase = "congrats"
)

// phaseOrder lists phases in session order. PhaseDiscussion is the entry
// phase; the begin overlay is only meaningful there.
var phaseOrder = []SessionPhase{
	PhaseDiscussion,
	PhaseTeaching,
	PhaseComprehension,
	PhaseExercise,
	PhaseWorksheet,
	PhaseTest,
	PhaseCongrats,
}

// Valid reports whether p is a known session phase.
func (p SessionPhase) Valid() bool {
	for _, q := range phaseOrder {
		if p == q {
			return true
		}
	}
	return false
}

// First reports whether p is the entry phase of the session flow.
func (p SessionPhase) First() bool {
	return p == PhaseDiscussion
}

// QuestionPhase reports whether p presents generated question items.
func (p SessionPhase) QuestionPhase() bool {
	switch p {
	case PhaseComprehension, PhaseExercise, PhaseWorksheet, PhaseTest:
		return true
	}
	return false
}

// SubPhase is a phase-scoped sub-state. The allowed set depends on the
// owning phase; see ValidSub.
type SubPhase string

const (
	SubIdle SubPhase = "idle"

	// Teaching stages.
	SubDefinitions SubPhase = "definitions"
	SubExplanation SubPhase = "explanation"
	SubExamples    SubPhase = "examples"

	// Discussion sub-states.
	SubPrompting  SubPhase = "prompting"
	SubResponding SubPhase = "responding"

	// Question-phase sub-states.
	SubEntering       SubPhase = "entering"
	SubAsking         SubPhase = "asking"
	SubAwaitingAnswer SubPhase = "awaiting_answer"
	SubFeedback       SubPhase = "feedback"

	// Congrats sub-state.
	SubCelebrating SubPhase = "celebrating"
)

var subPhases = map[SessionPhase][]SubPhase{
	PhaseDiscussion:    {SubIdle, SubPrompting, SubResponding},
	PhaseTeaching:      {SubIdle, SubDefinitions, SubExplanation, SubExamples},
	PhaseComprehension: {SubIdle, SubEntering, SubAsking, SubAwaitingAnswer, SubFeedback},
	PhaseExercise:      {SubIdle, SubEntering, SubAsking, SubAwaitingAnswer, SubFeedback},
	PhaseWorksheet:     {SubIdle, SubEntering, SubAsking, SubAwaitingAnswer, SubFeedback},
	PhaseTest:          {SubIdle, SubEntering, SubAsking, SubAwaitingAnswer, SubFeedback},
	PhaseCongrats:      {SubIdle, SubCelebrating},
}

// ValidSub reports whether s is an allowed sub-phase of p.
func (p SessionPhase) ValidSub(s SubPhase) bool {
	for _, q := range subPhases[p] {
		if s == q {
			return true
		}
	}
	return false
}

// TimerMode distinguishes the two phase timers.
type TimerMode string

const (
	ModePlay TimerMode = "play"
	ModeWork TimerMode = "work"
)

// Valid reports whether m is a known timer mode.
func (m TimerMode) Valid() bool {
	return m == ModePlay || m == ModeWork
}

// StoryState is the state of the optional story mini-flow.
type StoryState string

const (
	StoryInactive      StoryState = "inactive"
	StoryAwaitingSetup StoryState = "awaiting_setup"
	StoryAwaitingTurn  StoryState = "awaiting_turn"
	StoryEnding        StoryState = "ending"
)

// Valid reports whether s is a known story state.
func (s StoryState) Valid() bool {
	switch s {
	case StoryInactive, StoryAwaitingSetup, StoryAwaitingTurn, StoryEnding:
		return true
	}
	return false
}

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// SentenceCursor tracks a stage that was interrupted mid-utterance.
type SentenceCursor struct {
	// Sentences is the ordered sentence list for the stage.
	Sentences []string `json:"sentences"`
	// Index is the sentence the session was on when saved.
	Index int `json:"index"`
}

// TeachingProgress records where the teaching phase is, including how many
// times each stage has been repeated.
type TeachingProgress struct {
	Stage              SubPhase        `json:"stage"`
	DefinitionsRepeats int             `json:"definitionsRepeats"`
	ExplanationRepeats int             `json:"explanationRepeats"`
	ExamplesRepeats    int             `json:"examplesRepeats"`
	Sentence           *SentenceCursor `json:"sentence,omitempty"`
}

// QuestionItem is an opaque generated question payload. The engine persists
// and restores items without interpreting their content.
type QuestionItem map[string]any

// ActiveQuestion is the question currently in flight, kept so that a resume
// re-asks the exact question instead of regenerating one.
type ActiveQuestion struct {
	Phase SessionPhase `json:"phase"`
	Item  QuestionItem `json:"item"`
}

// QuestionPointer holds the per-phase index into each generated item list
// plus the in-flight question, if any.
type QuestionPointer struct {
	ComprehensionIndex int             `json:"comprehensionIndex"`
	ExerciseIndex      int             `json:"exerciseIndex"`
	WorksheetIndex     int             `json:"worksheetIndex"`
	TestIndex          int             `json:"testIndex"`
	Active             *ActiveQuestion `json:"active,omitempty"`
}

// TestScoring accumulates test-phase results. A non-nil FinalPercent marks
// the test closed; such a checkpoint is never offered for resume.
type TestScoring struct {
	Answers      []string  `json:"answers"`
	Correct      []bool    `json:"correct"`
	CorrectCount int       `json:"correctCount"`
	FinalPercent *float64  `json:"finalPercent,omitempty"`
}

// TranscriptLine is a single role-tagged line of session transcript.
type TranscriptLine struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// StorySubsystem is the optional story mini-flow that runs alongside the
// main session.
type StorySubsystem struct {
	State      StoryState       `json:"state"`
	SetupStep  int              `json:"setupStep"`
	Characters string           `json:"characters"`
	Setting    string           `json:"setting"`
	Plot       string           `json:"plot"`
	Transcript []TranscriptLine `json:"transcript"`
}

// CaptionLog is the on-screen transcript source of truth.
type CaptionLog struct {
	Lines  []TranscriptLine `json:"lines"`
	Cursor int              `json:"cursor"`
}

// TimerSnapshot captures the active phase timer at save time so that
// elapsed time can be corrected for wall-clock drift on restore.
type TimerSnapshot struct {
	Phase          SessionPhase `json:"phase"`
	Mode           TimerMode    `json:"mode"`
	CapturedAt     time.Time    `json:"capturedAt"`
	ElapsedSeconds int          `json:"elapsedSeconds"`
	TargetSeconds  int          `json:"targetSeconds"`
}

// Checkpoint is the aggregate root of persisted session state. Exactly one
// checkpoint exists per (learner, lesson) pair in the durable store.
type Checkpoint struct {
	Version   int    `json:"version"`
	LessonID  string `json:"lessonId"`
	LearnerID string `json:"learnerId"`

	Phase        SessionPhase `json:"phase"`
	SubPhase     SubPhase     `json:"subPhase"`
	BeginOverlay bool         `json:"beginOverlay"`

	Teaching  TeachingProgress `json:"teaching"`
	Questions QuestionPointer  `json:"questions"`
	Scoring   TestScoring      `json:"scoring"`
	Story     StorySubsystem   `json:"story"`
	Captions  CaptionLog       `json:"captions"`
	Timer     *TimerSnapshot   `json:"timer,omitempty"`

	// Generated item lists. On restore these only overwrite live state
	// when non-empty, so a stale empty array never clobbers freshly
	// generated content.
	ComprehensionSet []QuestionItem `json:"comprehensionSet"`
	ExerciseSet      []QuestionItem `json:"exerciseSet"`
	WorksheetSet     []QuestionItem `json:"worksheetSet"`
	TestSet          []QuestionItem `json:"testSet"`

	SavedAt time.Time `json:"savedAt"`
}

// Completed reports whether the checkpoint represents a finished session.
// Finished sessions are never offered for resume.
func (c *Checkpoint) Completed() bool {
	if c.Phase == PhaseCongrats {
		return true
	}
	return c.Phase == PhaseTest && c.Scoring.FinalPercent != nil
}

// Pristine reports whether the checkpoint is indistinguishable from a
// brand-new session start. A pristine restore suppresses the resume offer.
func (c *Checkpoint) Pristine() bool {
	return c.Phase.First() &&
		c.SubPhase == SubIdle &&
		c.Questions.Active == nil &&
		len(c.ComprehensionSet) == 0 &&
		len(c.ExerciseSet) == 0 &&
		len(c.WorksheetSet) == 0 &&
		len(c.TestSet) == 0 &&
		len(c.Captions.Lines) == 0 &&
		c.Teaching.Stage == SubIdle
}

// SetFor returns the generated item list for a question phase.
func (c *Checkpoint) SetFor(p SessionPhase) []QuestionItem {
	switch p {
	case PhaseComprehension:
		return c.ComprehensionSet
	case PhaseExercise:
		return c.ExerciseSet
	case PhaseWorksheet:
		return c.WorksheetSet
	case PhaseTest:
		return c.TestSet
	}
	return nil
}

// IndexFor returns the current question index for a question phase.
func (c *Checkpoint) IndexFor(p SessionPhase) int {
	switch p {
	case PhaseComprehension:
		return c.Questions.ComprehensionIndex
	case PhaseExercise:
		return c.Questions.ExerciseIndex
	case PhaseWorksheet:
		return c.Questions.WorksheetIndex
	case PhaseTest:
		return c.Questions.TestIndex
	}
	return 0
}

// SetIndexFor sets the current question index for a question phase.
func (c *Checkpoint) SetIndexFor(p SessionPhase, i int) {
	switch p {
	case PhaseComprehension:
		c.Questions.ComprehensionIndex = i
	case PhaseExercise:
		c.Questions.ExerciseIndex = i
	case PhaseWorksheet:
		c.Questions.WorksheetIndex = i
	case PhaseTest:
		c.Questions.TestIndex = i
	}
}

// ClampIndexes pulls every question index back into [0, len(list)] for
// non-empty lists. An index equal to the list length is the set-exhausted
// sentinel: every item has been answered. Clamping must never rewind an
// exhausted pointer onto the final item, or a reload would re-ask an
// already-answered question. Out-of-range pointers are a reconciliation
// concern, never a failure.
func (c *Checkpoint) ClampIndexes() {
	c.Questions.ComprehensionIndex = clampIndex(c.Questions.ComprehensionIndex, len(c.ComprehensionSet))
	c.Questions.ExerciseIndex = clampIndex(c.Questions.ExerciseIndex, len(c.ExerciseSet))
	c.Questions.WorksheetIndex = clampIndex(c.Questions.WorksheetIndex, len(c.WorksheetSet))
	c.Questions.TestIndex = clampIndex(c.Questions.TestIndex, len(c.TestSet))
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if n > 0 && i > n {
		return n
	}
	return i
}

// Clone returns a copy sharing no mutable state with the receiver, so a
// caller can serialize it while the original keeps changing under its own
// lock. Question item payloads are shared: the engine never mutates their
// content.
func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	if c.Teaching.Sentence != nil {
		s := *c.Teaching.Sentence
		s.Sentences = cloneStrings(c.Teaching.Sentence.Sentences)
		cp.Teaching.Sentence = &s
	}
	if c.Questions.Active != nil {
		a := *c.Questions.Active
		cp.Questions.Active = &a
	}
	cp.Scoring.Answers = cloneStrings(c.Scoring.Answers)
	cp.Scoring.Correct = cloneBools(c.Scoring.Correct)
	if c.Scoring.FinalPercent != nil {
		pct := *c.Scoring.FinalPercent
		cp.Scoring.FinalPercent = &pct
	}
	cp.Story.Transcript = cloneLines(c.Story.Transcript)
	cp.Captions.Lines = cloneLines(c.Captions.Lines)
	if c.Timer != nil {
		ts := *c.Timer
		cp.Timer = &ts
	}
	cp.ComprehensionSet = cloneItems(c.ComprehensionSet)
	cp.ExerciseSet = cloneItems(c.ExerciseSet)
	cp.WorksheetSet = cloneItems(c.WorksheetSet)
	cp.TestSet = cloneItems(c.TestSet)
	return &cp
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneBools(in []bool) []bool {
	if in == nil {
		return nil
	}
	out := make([]bool, len(in))
	copy(out, in)
	return out
}

func cloneLines(in []TranscriptLine) []TranscriptLine {
	if in == nil {
		return nil
	}
	out := make([]TranscriptLine, len(in))
	copy(out, in)
	return out
}

func cloneItems(in []QuestionItem) []QuestionItem {
	if in == nil {
		return nil
	}
	out := make([]QuestionItem, len(in))
	copy(out, in)
	return out
}

// Key builds the canonical storage key for a (lesson, learner) pair.
// Legacy key variants are a migration concern owned by the restore
// reconciler; nothing else should know they exist.
func Key(lessonID, learnerID string) string {
	return "lesson_state:" + lessonID + ":" + learnerID
}
