package models

import "time"

// ClientTurnUpdate is the event published to the client-updates queue after
// a turn has been durably committed. Fan-out services (websocket push, admin
// dashboards) consume it; the turn response itself is streamed over HTTP and
// does not depend on this queue.
type ClientTurnUpdate struct {
	PlayerID       string    `json:"player_id"`
	GameID         string    `json:"game_id"`
	CharacterID    string    `json:"character_id"`
	Turn           int       `json:"turn"`
	NewMilestones  []string  `json:"new_milestones,omitempty"`
	EventCount     int       `json:"event_count"`
	CommittedAt    time.Time `json:"committed_at"`
}
