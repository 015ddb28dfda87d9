package models

import (
	"time"

	"github.com/google/uuid"
)

// Visibility is the player-facing availability tier of a character.
type Visibility string

const (
	VisibilityHidden      Visibility = "hidden"
	VisibilityLocked      Visibility = "locked"
	VisibilityAvailable   Visibility = "available"
	VisibilityEncountered Visibility = "encountered"
)

// Milestone is a static, per-game unit of discoverable plot progress.
// Immutable after game authoring.
type Milestone struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Requires    []string `json:"requires,omitempty"`
	Unlocks     []string `json:"unlocks,omitempty"`
}

// Character is a static character definition from the game config, or one
// introduced mid-dialogue by a cast directive.
type Character struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Bio     string `json:"bio"`
	Persona string `json:"persona"`
	// Hidden marks characters that must never be shown to the player, not
	// even as a redacted placeholder, until an unlocking milestone fires.
	Hidden bool `json:"hidden,omitempty"`
}

// ProgressState tracks the player's advance through a game. Monotonic: the
// turn counter never decreases and the discovered set only grows.
type ProgressState struct {
	Turn       int      `json:"turn"`
	Discovered []string `json:"discovered"`
}

// GameConfig is the static game definition supplied by the authoring
// collaborator. The per-player GameSnapshot is seeded from it on first turn.
type GameConfig struct {
	ID          uuid.UUID   `json:"id"`
	Title       string      `json:"title"`
	Intro       string      `json:"intro"`
	Plot        string      `json:"plot"`
	AssistantID string      `json:"assistantId"`
	Milestones  []Milestone `json:"milestones"`
	Characters  []Character `json:"characters"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// GameSnapshot is the per-player mutable projection of a game config. It is
// owned exclusively by one player's session and persisted inside the
// progress metadata record; it is never shared across players.
type GameSnapshot struct {
	Title          string        `json:"title"`
	Intro          string        `json:"intro"`
	Plot           string        `json:"plot"`
	AssistantID    string        `json:"assistantId"`
	Milestones     []Milestone   `json:"milestones"`
	Characters     []Character   `json:"characters"`
	EncounteredIDs []string      `json:"encounteredIds"`
	UnlockedIDs    []string      `json:"unlockedIds"`
	Progress       ProgressState `json:"progress"`
}

// SnapshotFromConfig seeds a fresh per-player snapshot from the static game
// config. Slices are copied so later snapshot mutation cannot leak back into
// the shared config.
func SnapshotFromConfig(cfg *GameConfig) *GameSnapshot {
	snap := &GameSnapshot{
		Title:          cfg.Title,
		Intro:          cfg.Intro,
		Plot:           cfg.Plot,
		AssistantID:    cfg.AssistantID,
		Milestones:     make([]Milestone, len(cfg.Milestones)),
		Characters:     make([]Character, len(cfg.Characters)),
		EncounteredIDs: []string{},
		UnlockedIDs:    []string{},
		Progress:       ProgressState{Turn: 0, Discovered: []string{}},
	}
	copy(snap.Milestones, cfg.Milestones)
	copy(snap.Characters, cfg.Characters)
	return snap
}

// FindCharacter returns the roster entry with the given ID, or nil.
func (s *GameSnapshot) FindCharacter(id string) *Character {
	for i := range s.Characters {
		if s.Characters[i].ID == id {
			return &s.Characters[i]
		}
	}
	return nil
}
