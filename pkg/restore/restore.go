// Package restore locates the newest valid checkpoint for a session and
// maps it onto an initial state-machine configuration. It is the only
// component that knows legacy key-naming variants exist.
package restore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutorloop/tutorloop/pkg/snapshot"
	"github.com/tutorloop/tutorloop/pkg/store"
	"github.com/tutorloop/tutorloop/pkg/timer"
)

// legacySuffixes is the fixed migration table of historical key-naming
// variants: the extension marker and the size-parameterized suffixes used
// by earlier releases. Consulted only here.
var legacySuffixes = []string{".json", "_10q", "_20q"}

// CandidateKeys returns the canonical key followed by its legacy variants,
// in lookup order. Restore queries all of them and picks the newest
// result; Clear must be handed the same list so a restart leaves no
// orphaned legacy rows.
func CandidateKeys(canonical string) []string {
	keys := make([]string, 0, len(legacySuffixes)+1)
	keys = append(keys, canonical)
	for _, suffix := range legacySuffixes {
		keys = append(keys, canonical+suffix)
	}
	return keys
}

// NextAction tells the UI what it should be ready to do after a restore.
type NextAction string

const (
	// ActionAnnouncePhase means the UI should (re-)announce the phase
	// opener.
	ActionAnnouncePhase NextAction = "announce_phase"
	// ActionRepresentQuestion means the UI must re-present the exact
	// in-flight question, so learner-visible content never changes
	// silently across a refresh.
	ActionRepresentQuestion NextAction = "represent_question"
)

// ReconciledState is the result of a restore: either a fresh session start
// or a restored checkpoint mapped onto UI-ready configuration.
type ReconciledState struct {
	// Fresh is true when no valid resumable checkpoint was found.
	Fresh bool

	Phase    snapshot.SessionPhase
	SubPhase snapshot.SubPhase

	// ShowBeginOverlay is force-suppressed whenever the restored phase
	// is not the entry phase, so a later-phase session can never show
	// the entry overlay.
	ShowBeginOverlay bool

	// OfferResume is false when the reconciled state is
	// indistinguishable from a brand-new session start.
	OfferResume bool

	Next     NextAction
	Question *snapshot.ActiveQuestion

	// Checkpoint is the restored aggregate; nil when Fresh.
	Checkpoint *snapshot.Checkpoint
}

// Reconciler performs startup restores against the dual-tier store.
type Reconciler struct {
	store  *store.DualStore
	timers *timer.Store
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Reconciler) { r.clock = clock }
}

// NewReconciler creates a reconciler over the given store. The timer store
// may be nil when the caller does not track phase timers.
func NewReconciler(s *store.DualStore, timers *timer.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  s,
		timers: timers,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore finds the newest valid checkpoint for (lesson, learner) and maps
// it onto an initial configuration. It never fails: every error path falls
// back to a fresh start, which is the worst case the session UI can see.
func (r *Reconciler) Restore(ctx context.Context, lessonID, learnerID string) *ReconciledState {
	cp := r.newest(ctx, CandidateKeys(snapshot.Key(lessonID, learnerID)))

	if cp != nil && cp.Version < snapshot.CurrentVersion {
		r.logger.Info("discarding checkpoint below current snapshot version",
			"lesson", lessonID, "learner", learnerID,
			"version", cp.Version, "current", snapshot.CurrentVersion)
		cp = nil
	}

	if cp != nil && cp.Completed() {
		r.logger.Info("discarding completed-session checkpoint",
			"lesson", lessonID, "learner", learnerID, "phase", cp.Phase)
		cp = nil
	}

	if cp == nil {
		return fresh()
	}

	cp.ClampIndexes()

	state := &ReconciledState{
		Phase:            cp.Phase,
		SubPhase:         cp.SubPhase,
		ShowBeginOverlay: cp.BeginOverlay && cp.Phase.First(),
		OfferResume:      !cp.Pristine(),
		Next:             ActionAnnouncePhase,
		Checkpoint:       cp,
	}

	if cp.Questions.Active != nil {
		state.Next = ActionRepresentQuestion
		state.Question = cp.Questions.Active
	}

	if cp.Timer != nil && r.timers != nil {
		adjusted := timer.Correct(*cp.Timer, r.clock().UTC())
		r.timers.Seed(lessonID, cp.Timer.Phase, cp.Timer.Mode, adjusted)
	}

	return state
}

// newest reads every candidate key in parallel and returns the checkpoint
// with the latest savedAt. Candidate reads are independent remote lookups,
// so they fan out; read failures degrade to absent candidates and never
// fail the group. Concurrent legacy variants are a migration artifact;
// candidate-list order never decides the winner.
func (r *Reconciler) newest(ctx context.Context, keys []string) *snapshot.Checkpoint {
	results := make([]*snapshot.Checkpoint, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			cp, err := r.store.Read(gctx, key)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					r.logger.Warn("candidate read failed", "key", key, "error", err)
				}
				return nil
			}
			results[i] = cp
			return nil
		})
	}
	g.Wait()

	var best *snapshot.Checkpoint
	for _, cp := range results {
		if cp == nil {
			continue
		}
		if best == nil || cp.SavedAt.After(best.SavedAt) {
			best = cp
		}
	}
	return best
}

func fresh() *ReconciledState {
	return &ReconciledState{
		Fresh:            true,
		Phase:            snapshot.PhaseDiscussion,
		SubPhase:         snapshot.SubIdle,
		ShowBeginOverlay: true,
		Next:             ActionAnnouncePhase,
	}
}
