package engine

import (
	"context"
	"fmt"

	"github.com/tutorloop/tutorloop/pkg/snapshot"
)

// Story mini-flow milestones. The story runs alongside the main session
// and rides in the same checkpoint, so an interrupted story resumes with
// its setup and transcript intact.

// BeginStory starts (or restarts) the story flow and saves.
func (e *Engine) BeginStory(ctx context.Context) error {
	e.mu.Lock()
	e.cp.Story = snapshot.StorySubsystem{
		State:      snapshot.StoryAwaitingSetup,
		Transcript: []snapshot.TranscriptLine{},
	}
	e.mu.Unlock()

	return e.save(ctx, "story")
}

// SetStorySetup records setup answers and saves. Empty arguments leave
// the corresponding field unchanged; once characters, setting, and plot
// are all present the story moves to awaiting its first turn.
func (e *Engine) SetStorySetup(ctx context.Context, characters, setting, plot string) error {
	e.mu.Lock()
	if e.cp.Story.State != snapshot.StoryAwaitingSetup {
		state := e.cp.Story.State
		e.mu.Unlock()
		return fmt.Errorf("story setup not expected in state %q", state)
	}
	if characters != "" {
		e.cp.Story.Characters = characters
	}
	if setting != "" {
		e.cp.Story.Setting = setting
	}
	if plot != "" {
		e.cp.Story.Plot = plot
	}
	e.cp.Story.SetupStep++
	if e.cp.Story.Characters != "" && e.cp.Story.Setting != "" && e.cp.Story.Plot != "" {
		e.cp.Story.State = snapshot.StoryAwaitingTurn
	}
	e.mu.Unlock()

	return e.save(ctx, "story")
}

// AddStoryTurn appends a role-tagged line to the story transcript and
// saves.
func (e *Engine) AddStoryTurn(ctx context.Context, role, text string) error {
	if text == "" {
		return fmt.Errorf("story turn text is empty")
	}
	if role != snapshot.RoleUser {
		role = snapshot.RoleAssistant
	}

	e.mu.Lock()
	if e.cp.Story.State != snapshot.StoryAwaitingTurn {
		state := e.cp.Story.State
		e.mu.Unlock()
		return fmt.Errorf("story turn not expected in state %q", state)
	}
	e.cp.Story.Transcript = append(e.cp.Story.Transcript, snapshot.TranscriptLine{Role: role, Text: text})
	e.mu.Unlock()

	return e.save(ctx, "story")
}

// EndStory moves the story to its ending and saves.
func (e *Engine) EndStory(ctx context.Context) error {
	e.mu.Lock()
	if e.cp.Story.State == snapshot.StoryInactive {
		e.mu.Unlock()
		return fmt.Errorf("no story in progress")
	}
	e.cp.Story.State = snapshot.StoryEnding
	e.mu.Unlock()

	return e.save(ctx, "story")
}
