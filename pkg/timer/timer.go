// Package timer reconciles phase-timer state across a save/restore gap.
// A timer that was running while the client was gone catches up to real
// wall-clock time on restore instead of resuming frozen.
package timer

import (
	"sync"
	"time"

	"github.com/tutorloop/tutorloop/pkg/snapshot"
)

// Correct returns the adjusted elapsed seconds for a restored timer
// snapshot. The drift between capture time and now is added to the saved
// elapsed time; when the timer has a target, the result is clamped to it.
// Clock skew that puts now before the capture time reads as zero drift.
func Correct(ts snapshot.TimerSnapshot, now time.Time) int {
	drift := int(now.Sub(ts.CapturedAt).Seconds())
	if drift < 0 {
		drift = 0
	}

	adjusted := ts.ElapsedSeconds + drift
	if adjusted < 0 {
		adjusted = 0
	}
	if ts.TargetSeconds > 0 && adjusted > ts.TargetSeconds {
		adjusted = ts.TargetSeconds
	}
	return adjusted
}

type entryKey struct {
	lessonID string
	phase    snapshot.SessionPhase
	mode     snapshot.TimerMode
}

// Store is the live timer store, keyed by (lesson, phase, mode). The
// restore reconciler seeds it with corrected elapsed values; the UI layer
// reads and advances it while the session runs. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	elapsed map[entryKey]int
}

// NewStore creates an empty live timer store.
func NewStore() *Store {
	return &Store{elapsed: make(map[entryKey]int)}
}

// Seed sets the elapsed seconds for a timer, replacing any previous value.
func (s *Store) Seed(lessonID string, phase snapshot.SessionPhase, mode snapshot.TimerMode, elapsedSeconds int) {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elapsed[entryKey{lessonID, phase, mode}] = elapsedSeconds
}

// Elapsed returns the elapsed seconds for a timer and whether it is known.
func (s *Store) Elapsed(lessonID string, phase snapshot.SessionPhase, mode snapshot.TimerMode) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.elapsed[entryKey{lessonID, phase, mode}]
	return v, ok
}

// Advance adds delta seconds to a timer, creating it at delta if absent,
// and returns the new elapsed value.
func (s *Store) Advance(lessonID string, phase snapshot.SessionPhase, mode snapshot.TimerMode, delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entryKey{lessonID, phase, mode}
	v := s.elapsed[k] + delta
	if v < 0 {
		v = 0
	}
	s.elapsed[k] = v
	return v
}

// Reset removes every timer for a lesson. Called on session restart.
func (s *Store) Reset(lessonID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.elapsed {
		if k.lessonID == lessonID {
			delete(s.elapsed, k)
		}
	}
}
