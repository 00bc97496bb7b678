package snapshot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_NilInput(t *testing.T) {
	cp := Normalize(nil)
	require.NotNil(t, cp)

	assert.Equal(t, 0, cp.Version)
	assert.Equal(t, PhaseDiscussion, cp.Phase)
	assert.Equal(t, SubIdle, cp.SubPhase)
	assert.Equal(t, StoryInactive, cp.Story.State)
	assert.Empty(t, cp.ComprehensionSet)
	assert.Empty(t, cp.Captions.Lines)
	assert.Nil(t, cp.Timer)
}

func TestNormalize_MalformedFields(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
	}{
		{"wrong types everywhere", map[string]any{
			"version":  "three",
			"phase":    42,
			"subPhase": []any{"x"},
			"teaching": "not a map",
			"scoring":  7.5,
			"timer":    true,
		}},
		{"unknown enum values", map[string]any{
			"version":  float64(CurrentVersion),
			"phase":    "recess",
			"subPhase": "napping",
			"teaching": map[string]any{"stage": "quiz"},
			"story":    map[string]any{"state": "paused"},
		}},
		{"negative counters", map[string]any{
			"version": float64(CurrentVersion),
			"teaching": map[string]any{
				"definitionsRepeats": float64(-3),
				"explanationRepeats": float64(-1),
			},
			"questions": map[string]any{
				"worksheetIndex": float64(-9),
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := Normalize(tt.raw)
			require.NotNil(t, cp)

			assert.True(t, cp.Phase.Valid())
			assert.True(t, cp.Phase.ValidSub(cp.SubPhase))
			assert.True(t, PhaseTeaching.ValidSub(cp.Teaching.Stage))
			assert.True(t, cp.Story.State.Valid())
			assert.GreaterOrEqual(t, cp.Teaching.DefinitionsRepeats, 0)
			assert.GreaterOrEqual(t, cp.Teaching.ExplanationRepeats, 0)
			assert.GreaterOrEqual(t, cp.Teaching.ExamplesRepeats, 0)
			assert.GreaterOrEqual(t, cp.Questions.WorksheetIndex, 0)
			assert.GreaterOrEqual(t, cp.Scoring.CorrectCount, 0)
		})
	}
}

func TestNormalize_SubPhaseScopedToPhase(t *testing.T) {
	// "definitions" is a teaching sub-phase; on a worksheet checkpoint it
	// must fall back to idle.
	cp := Normalize(map[string]any{
		"phase":    "worksheet",
		"subPhase": "definitions",
	})
	assert.Equal(t, PhaseWorksheet, cp.Phase)
	assert.Equal(t, SubIdle, cp.SubPhase)
}

func TestNormalize_TranscriptSanitization(t *testing.T) {
	cp := Normalize(map[string]any{
		"captions": map[string]any{
			"lines": []any{
				map[string]any{"role": "user", "text": "hello"},
				map[string]any{"role": "narrator", "text": "aside"},
				map[string]any{"role": "assistant", "text": ""},
				"not a line",
				map[string]any{"text": "untagged"},
			},
			"cursor": float64(10),
		},
	})

	require.Len(t, cp.Captions.Lines, 3)
	assert.Equal(t, RoleUser, cp.Captions.Lines[0].Role)
	assert.Equal(t, RoleAssistant, cp.Captions.Lines[1].Role)
	assert.Equal(t, RoleAssistant, cp.Captions.Lines[2].Role)
	// Cursor clamps to the sanitized length.
	assert.Equal(t, 3, cp.Captions.Cursor)
}

func TestNormalize_ScoringParallelLists(t *testing.T) {
	cp := Normalize(map[string]any{
		"scoring": map[string]any{
			"answers":      []any{"a", "b", "c"},
			"correct":      []any{true},
			"correctCount": float64(5),
		},
	})

	assert.Equal(t, len(cp.Scoring.Answers), len(cp.Scoring.Correct))
	assert.LessOrEqual(t, cp.Scoring.CorrectCount, len(cp.Scoring.Correct))
}

func TestNormalize_FinalPercentClamped(t *testing.T) {
	cp := Normalize(map[string]any{
		"phase": "test",
		"scoring": map[string]any{
			"finalPercent": float64(140),
		},
	})
	require.NotNil(t, cp.Scoring.FinalPercent)
	assert.Equal(t, float64(100), *cp.Scoring.FinalPercent)
	assert.True(t, cp.Completed())
}

func TestNormalize_RoundTripIdempotent(t *testing.T) {
	raw := map[string]any{
		"version":   float64(CurrentVersion),
		"lessonId":  "lesson-7",
		"learnerId": "learner-42",
		"phase":     "teaching",
		"subPhase":  "explanation",
		"savedAt":   time.Now().UTC().Format(time.RFC3339Nano),
		"teaching": map[string]any{
			"stage":              "explanation",
			"definitionsRepeats": float64(2),
			"sentence": map[string]any{
				"sentences": []any{"First.", "Second.", "Third."},
				"index":     float64(1),
			},
		},
		"questions": map[string]any{
			"comprehensionIndex": float64(4),
			"active": map[string]any{
				"phase": "comprehension",
				"item":  map[string]any{"prompt": "What is a noun?"},
			},
		},
		"scoring": map[string]any{
			"answers":      []any{"x", "y"},
			"correct":      []any{true, false},
			"correctCount": float64(1),
		},
		"story": map[string]any{
			"state":      "awaiting_turn",
			"setupStep":  float64(3),
			"characters": "a fox and an owl",
			"transcript": []any{
				map[string]any{"role": "user", "text": "Once upon a time"},
			},
		},
		"captions": map[string]any{
			"lines": []any{
				map[string]any{"role": "assistant", "text": "Welcome back"},
			},
			"cursor": float64(1),
		},
		"timer": map[string]any{
			"phase":          "teaching",
			"mode":           "work",
			"capturedAt":     time.Now().UTC().Format(time.RFC3339Nano),
			"elapsedSeconds": float64(30),
			"targetSeconds":  float64(60),
		},
		"worksheetSet": []any{
			map[string]any{"id": "w1"},
			map[string]any{"id": "w2"},
		},
	}

	first := Normalize(raw)

	data, err := Encode(first)
	require.NoError(t, err)

	var reparsed map[string]any
	require.NoError(t, json.Unmarshal(data, &reparsed))
	second := Normalize(reparsed)

	assert.Equal(t, first, second)
}

func TestDecode_Garbage(t *testing.T) {
	cp := Decode([]byte("{not json"))
	require.NotNil(t, cp)
	// A garbage payload decodes to version zero, which the restore
	// version gate then treats as absent.
	assert.Equal(t, 0, cp.Version)
}

func TestCheckpoint_Completed(t *testing.T) {
	pct := 85.0

	tests := []struct {
		name string
		cp   *Checkpoint
		want bool
	}{
		{"fresh", New("l", "u"), false},
		{"congrats", &Checkpoint{Phase: PhaseCongrats}, true},
		{"open test", &Checkpoint{Phase: PhaseTest}, false},
		{"closed test", &Checkpoint{Phase: PhaseTest, Scoring: TestScoring{FinalPercent: &pct}}, true},
		{"closed scoring in earlier phase", &Checkpoint{Phase: PhaseWorksheet, Scoring: TestScoring{FinalPercent: &pct}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cp.Completed())
		})
	}
}

func TestCheckpoint_ClampIndexes(t *testing.T) {
	cp := New("l", "u")
	cp.WorksheetSet = []QuestionItem{{}, {}, {}}
	cp.Questions.WorksheetIndex = 7
	cp.ExerciseSet = []QuestionItem{{}, {}}
	cp.Questions.ExerciseIndex = 2 // every item answered, sentinel survives
	cp.Questions.ComprehensionIndex = -3
	cp.Questions.TestIndex = 5 // test set empty, index keeps its value

	cp.ClampIndexes()

	assert.Equal(t, 3, cp.Questions.WorksheetIndex)
	assert.Equal(t, 2, cp.Questions.ExerciseIndex)
	assert.Equal(t, 0, cp.Questions.ComprehensionIndex)
	assert.Equal(t, 5, cp.Questions.TestIndex)
}

func TestCheckpoint_CloneIsDetached(t *testing.T) {
	cp := New("l", "u")
	cp.Phase = PhaseWorksheet
	cp.Captions.Lines = []TranscriptLine{{Role: RoleAssistant, Text: "hello"}}
	cp.Scoring.Answers = []string{"cat"}
	cp.Scoring.Correct = []bool{true}
	cp.Teaching.Sentence = &SentenceCursor{Sentences: []string{"One."}, Index: 0}
	pct := 50.0
	cp.Scoring.FinalPercent = &pct
	cp.Timer = &TimerSnapshot{Phase: PhaseWorksheet, Mode: ModeWork, ElapsedSeconds: 10}
	cp.WorksheetSet = []QuestionItem{{"id": "w-0"}}

	clone := cp.Clone()
	assert.Equal(t, cp, clone)

	cp.Captions.Lines = append(cp.Captions.Lines, TranscriptLine{Role: RoleUser, Text: "hi"})
	cp.Scoring.Answers = append(cp.Scoring.Answers, "dog")
	cp.Scoring.Correct[0] = false
	*cp.Scoring.FinalPercent = 75
	cp.Timer.ElapsedSeconds = 99
	cp.Teaching.Sentence.Index = 1
	cp.WorksheetSet = append(cp.WorksheetSet, QuestionItem{"id": "w-1"})

	assert.Len(t, clone.Captions.Lines, 1)
	assert.Equal(t, []string{"cat"}, clone.Scoring.Answers)
	assert.Equal(t, []bool{true}, clone.Scoring.Correct)
	assert.Equal(t, 50.0, *clone.Scoring.FinalPercent)
	assert.Equal(t, 10, clone.Timer.ElapsedSeconds)
	assert.Equal(t, 0, clone.Teaching.Sentence.Index)
	assert.Len(t, clone.WorksheetSet, 1)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "lesson_state:lesson-1:learner-9", Key("lesson-1", "learner-9"))
}
