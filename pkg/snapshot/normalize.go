package snapshot

import (
	"encoding/json"
	"time"
)

// New returns a fresh checkpoint for a (lesson, learner) pair positioned at
// the start of the session flow.
func New(lessonID, learnerID string) *Checkpoint {
	return &Checkpoint{
		Version:      CurrentVersion,
		LessonID:     lessonID,
		LearnerID:    learnerID,
		Phase:        PhaseDiscussion,
		SubPhase:     SubIdle,
		BeginOverlay: true,
		Teaching:     TeachingProgress{Stage: SubIdle},
		Scoring: TestScoring{
			Answers: []string{},
			Correct: []bool{},
		},
		Story: StorySubsystem{
			State:      StoryInactive,
			Transcript: []TranscriptLine{},
		},
		Captions:         CaptionLog{Lines: []TranscriptLine{}},
		ComprehensionSet: []QuestionItem{},
		ExerciseSet:      []QuestionItem{},
		WorksheetSet:     []QuestionItem{},
		TestSet:          []QuestionItem{},
	}
}

// Encode serializes a checkpoint for storage.
func Encode(c *Checkpoint) ([]byte, error) {
	return json.Marshal(c)
}

// Decode parses a stored payload and normalizes it. Unparseable payloads
// come back as a zero-version checkpoint, which the restore version gate
// then discards as if absent.
func Decode(data []byte) *Checkpoint {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		raw = nil
	}
	return Normalize(raw)
}

// Normalize turns an untrusted payload into a trusted checkpoint. It never
// fails: unknown, missing, or wrong-typed fields fall back to defaults,
// numeric fields are clamped non-negative, and enum-like fields are
// validated against their allowed sets. This is the single point where a
// storage payload becomes in-memory state.
func Normalize(raw map[string]any) *Checkpoint {
	cp := New("", "")
	cp.Version = 0
	cp.BeginOverlay = false
	if raw == nil {
		return cp
	}

	cp.Version = intField(raw, "version", 0)
	cp.LessonID = stringField(raw, "lessonId", "")
	cp.LearnerID = stringField(raw, "learnerId", "")
	cp.SavedAt = timeField(raw, "savedAt")
	cp.BeginOverlay = boolField(raw, "beginOverlay", false)

	if p := SessionPhase(stringField(raw, "phase", "")); p.Valid() {
		cp.Phase = p
	}
	if s := SubPhase(stringField(raw, "subPhase", "")); cp.Phase.ValidSub(s) {
		cp.SubPhase = s
	}

	cp.Teaching = normalizeTeaching(mapField(raw, "teaching"))
	cp.Questions = normalizeQuestions(mapField(raw, "questions"))
	cp.Scoring = normalizeScoring(mapField(raw, "scoring"))
	cp.Story = normalizeStory(mapField(raw, "story"))
	cp.Captions = normalizeCaptions(mapField(raw, "captions"))
	cp.Timer = normalizeTimer(mapField(raw, "timer"))

	cp.ComprehensionSet = itemList(raw, "comprehensionSet")
	cp.ExerciseSet = itemList(raw, "exerciseSet")
	cp.WorksheetSet = itemList(raw, "worksheetSet")
	cp.TestSet = itemList(raw, "testSet")

	return cp
}

func normalizeTeaching(m map[string]any) TeachingProgress {
	tp := TeachingProgress{Stage: SubIdle}
	if m == nil {
		return tp
	}
	if s := SubPhase(stringField(m, "stage", "")); PhaseTeaching.ValidSub(s) {
		tp.Stage = s
	}
	tp.DefinitionsRepeats = intField(m, "definitionsRepeats", 0)
	tp.ExplanationRepeats = intField(m, "explanationRepeats", 0)
	tp.ExamplesRepeats = intField(m, "examplesRepeats", 0)

	if sm := mapField(m, "sentence"); sm != nil {
		cursor := &SentenceCursor{
			Sentences: stringList(sm, "sentences"),
			Index:     intField(sm, "index", 0),
		}
		if cursor.Index >= len(cursor.Sentences) && len(cursor.Sentences) > 0 {
			cursor.Index = len(cursor.Sentences) - 1
		}
		tp.Sentence = cursor
	}
	return tp
}

func normalizeQuestions(m map[string]any) QuestionPointer {
	qp := QuestionPointer{}
	if m == nil {
		return qp
	}
	qp.ComprehensionIndex = intField(m, "comprehensionIndex", 0)
	qp.ExerciseIndex = intField(m, "exerciseIndex", 0)
	qp.WorksheetIndex = intField(m, "worksheetIndex", 0)
	qp.TestIndex = intField(m, "testIndex", 0)

	if am := mapField(m, "active"); am != nil {
		aq := &ActiveQuestion{Phase: PhaseComprehension}
		if p := SessionPhase(stringField(am, "phase", "")); p.Valid() && p.QuestionPhase() {
			aq.Phase = p
		}
		if item := mapField(am, "item"); item != nil {
			aq.Item = QuestionItem(item)
		} else {
			aq.Item = QuestionItem{}
		}
		qp.Active = aq
	}
	return qp
}

func normalizeScoring(m map[string]any) TestScoring {
	ts := TestScoring{Answers: []string{}, Correct: []bool{}}
	if m == nil {
		return ts
	}
	ts.Answers = stringList(m, "answers")
	ts.Correct = boolList(m, "correct")

	// Answers and correctness are parallel lists; truncate the longer one.
	if len(ts.Correct) > len(ts.Answers) {
		ts.Correct = ts.Correct[:len(ts.Answers)]
	} else if len(ts.Answers) > len(ts.Correct) {
		ts.Answers = ts.Answers[:len(ts.Correct)]
	}

	ts.CorrectCount = intField(m, "correctCount", 0)
	if ts.CorrectCount > len(ts.Correct) {
		ts.CorrectCount = len(ts.Correct)
	}

	if pct, ok := floatValue(m["finalPercent"]); ok {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		ts.FinalPercent = &pct
	}
	return ts
}

func normalizeStory(m map[string]any) StorySubsystem {
	st := StorySubsystem{State: StoryInactive, Transcript: []TranscriptLine{}}
	if m == nil {
		return st
	}
	if s := StoryState(stringField(m, "state", "")); s.Valid() {
		st.State = s
	}
	st.SetupStep = intField(m, "setupStep", 0)
	st.Characters = stringField(m, "characters", "")
	st.Setting = stringField(m, "setting", "")
	st.Plot = stringField(m, "plot", "")
	st.Transcript = lineList(m, "transcript")
	return st
}

func normalizeCaptions(m map[string]any) CaptionLog {
	cl := CaptionLog{Lines: []TranscriptLine{}}
	if m == nil {
		return cl
	}
	cl.Lines = lineList(m, "lines")
	cl.Cursor = intField(m, "cursor", 0)
	if cl.Cursor > len(cl.Lines) {
		cl.Cursor = len(cl.Lines)
	}
	return cl
}

func normalizeTimer(m map[string]any) *TimerSnapshot {
	if m == nil {
		return nil
	}
	ts := &TimerSnapshot{Phase: PhaseDiscussion, Mode: ModePlay}
	if p := SessionPhase(stringField(m, "phase", "")); p.Valid() {
		ts.Phase = p
	}
	if md := TimerMode(stringField(m, "mode", "")); md.Valid() {
		ts.Mode = md
	}
	ts.CapturedAt = timeField(m, "capturedAt")
	ts.ElapsedSeconds = intField(m, "elapsedSeconds", 0)
	ts.TargetSeconds = intField(m, "targetSeconds", 0)
	return ts
}

// Field helpers. JSON numbers decode as float64; intField accepts both.

func stringField(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func boolField(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func intField(m map[string]any, key string, def int) int {
	n := def
	switch v := m[key].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	}
	if n < 0 {
		n = 0
	}
	return n
}

func floatValue(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case int:
		return float64(f), true
	}
	return 0, false
}

func mapField(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func timeField(m map[string]any, key string) time.Time {
	s, ok := m[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func stringList(m map[string]any, key string) []string {
	out := []string{}
	raw, ok := m[key].([]any)
	if !ok {
		return out
	}
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func boolList(m map[string]any, key string) []bool {
	out := []bool{}
	raw, ok := m[key].([]any)
	if !ok {
		return out
	}
	for _, v := range raw {
		if b, ok := v.(bool); ok {
			out = append(out, b)
		}
	}
	return out
}

func itemList(m map[string]any, key string) []QuestionItem {
	out := []QuestionItem{}
	raw, ok := m[key].([]any)
	if !ok {
		return out
	}
	for _, v := range raw {
		if im, ok := v.(map[string]any); ok {
			out = append(out, QuestionItem(im))
		}
	}
	return out
}

// lineList sanitizes transcript entries: entries with empty text are
// dropped and roles collapse to user/assistant.
func lineList(m map[string]any, key string) []TranscriptLine {
	out := []TranscriptLine{}
	raw, ok := m[key].([]any)
	if !ok {
		return out
	}
	for _, v := range raw {
		lm, ok := v.(map[string]any)
		if !ok {
			continue
		}
		text := stringField(lm, "text", "")
		if text == "" {
			continue
		}
		role := stringField(lm, "role", RoleAssistant)
		if role != RoleUser {
			role = RoleAssistant
		}
		out = append(out, TranscriptLine{Role: role, Text: text})
	}
	return out
}
