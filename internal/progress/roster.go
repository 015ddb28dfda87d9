package progress

import (
	"fmt"

	"dialogue-server/internal/models"
)

// RosterEntry is one client-facing roster row. Locked characters appear as
// identity-redacted placeholders: the real ID and name are withheld and a
// generic teaser shown instead. Hidden characters never appear at all.
type RosterEntry struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Bio        string            `json:"bio"`
	Visibility models.Visibility `json:"visibility"`
}

const lockedTeaser = "Someone you have yet to meet. Keep digging."

// VisibleRoster renders the snapshot's character list for the client.
// Placeholder slots use positional IDs so the client can render stable list
// keys without learning which character is behind the lock.
func VisibleRoster(snap *models.GameSnapshot) []RosterEntry {
	roster := make([]RosterEntry, 0, len(snap.Characters))
	lockedSlot := 0
	for _, ch := range snap.Characters {
		v := ResolveVisibility(ch, snap.Progress, snap.EncounteredIDs, snap.UnlockedIDs, snap.Milestones)
		switch v {
		case models.VisibilityHidden:
			continue
		case models.VisibilityLocked:
			lockedSlot++
			roster = append(roster, RosterEntry{
				ID:         fmt.Sprintf("locked-%d", lockedSlot),
				Name:       "???",
				Bio:        lockedTeaser,
				Visibility: v,
			})
		default:
			roster = append(roster, RosterEntry{
				ID:         ch.ID,
				Name:       ch.Name,
				Bio:        ch.Bio,
				Visibility: v,
			})
		}
	}
	return roster
}
