package models

import "time"

// Role identifies the author side of a transcript event.
type Role string

const (
	RoleUser      Role = "user"
	RoleCharacter Role = "character"
)

// TranscriptEvent is one atomic turn contribution. Events are immutable once
// created: they are only ever appended to a transcript, never edited or
// deleted. Ordering is the append order per (player, game).
type TranscriptEvent struct {
	Role          Role      `json:"role"`
	CharacterID   string    `json:"characterId"`
	CharacterName string    `json:"characterName"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewUserEvent creates a player-authored event addressed to the given character.
// Timestamps are truncated to millisecond precision so that encoding and
// decoding an event reproduces it exactly.
func NewUserEvent(characterID, characterName, text string) TranscriptEvent {
	return TranscriptEvent{
		Role:          RoleUser,
		CharacterID:   characterID,
		CharacterName: characterName,
		Text:          text,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

// NewCharacterEvent creates a character-authored reply event.
func NewCharacterEvent(characterID, characterName, text string) TranscriptEvent {
	return TranscriptEvent{
		Role:          RoleCharacter,
		CharacterID:   characterID,
		CharacterName: characterName,
		Text:          text,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
	}
}
