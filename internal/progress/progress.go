// Package progress computes milestone discovery and character visibility.
// Everything here is pure: deterministic functions of prior state plus a
// judgment result, with no I/O and no hidden side channels.
package progress

import (
	"strings"

	"dialogue-server/internal/models"
)

// JudgmentResult is what the external milestone judge claims for one turn.
// The judge is an untrusted text-generation call, so its output must pass
// through Sanitize before it may touch the progress state.
type JudgmentResult struct {
	DiscoveredIDs []string `json:"discovered"`
}

// Undiscovered returns the milestones not yet in the discovered set, in
// definition order. Used to scope what the judge may legally report.
func Undiscovered(milestones []models.Milestone, discovered []string) []models.Milestone {
	seen := toLowerSet(discovered)
	out := make([]models.Milestone, 0, len(milestones))
	for _, m := range milestones {
		if _, ok := seen[strings.ToLower(m.ID)]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// Sanitize clamps a judgment to {known milestone IDs} minus {already
// discovered}, case-insensitively, deduplicated, preserving first-seen
// order. The judge must never be allowed to discover unknown or already
// discovered milestones, or to duplicate-count one.
func Sanitize(result JudgmentResult, milestones []models.Milestone, discovered []string) JudgmentResult {
	known := make(map[string]string, len(milestones)) // lower id -> canonical id
	for _, m := range milestones {
		known[strings.ToLower(m.ID)] = m.ID
	}
	already := toLowerSet(discovered)
	emitted := make(map[string]struct{}, len(result.DiscoveredIDs))

	clean := make([]string, 0, len(result.DiscoveredIDs))
	for _, id := range result.DiscoveredIDs {
		key := strings.ToLower(strings.TrimSpace(id))
		canonical, ok := known[key]
		if !ok {
			continue
		}
		if _, dup := emitted[key]; dup {
			continue
		}
		if _, have := already[key]; have {
			continue
		}
		emitted[key] = struct{}{}
		clean = append(clean, canonical)
	}
	return JudgmentResult{DiscoveredIDs: clean}
}

// Apply advances the progress state by one turn and unions in the sanitized
// newly-discovered IDs. The input state is not mutated. Monotonic by
// construction: turn increases by exactly one and the discovered set only
// grows.
func Apply(state models.ProgressState, sanitized JudgmentResult) models.ProgressState {
	next := models.ProgressState{
		Turn:       state.Turn + 1,
		Discovered: make([]string, 0, len(state.Discovered)+len(sanitized.DiscoveredIDs)),
	}
	next.Discovered = append(next.Discovered, state.Discovered...)
	have := toLowerSet(state.Discovered)
	for _, id := range sanitized.DiscoveredIDs {
		if _, ok := have[strings.ToLower(id)]; ok {
			continue
		}
		have[strings.ToLower(id)] = struct{}{}
		next.Discovered = append(next.Discovered, id)
	}
	return next
}

// ResolveVisibility computes the availability tier of one character.
// An already-encountered character is always encountered, regardless of any
// other gating. Otherwise a character gated behind undiscovered milestones
// is hidden (if flagged hidden) or locked; ungated, unlocked and
// milestone-satisfied characters are available.
func ResolveVisibility(ch models.Character, state models.ProgressState, encountered, unlocked []string, milestones []models.Milestone) models.Visibility {
	if containsFold(encountered, ch.ID) {
		return models.VisibilityEncountered
	}
	if containsFold(unlocked, ch.ID) {
		return models.VisibilityAvailable
	}

	gated := false
	discovered := toLowerSet(state.Discovered)
	for _, m := range milestones {
		if !containsFold(m.Unlocks, ch.ID) {
			continue
		}
		gated = true
		if _, ok := discovered[strings.ToLower(m.ID)]; ok {
			return models.VisibilityAvailable
		}
	}
	if !gated {
		if ch.Hidden {
			return models.VisibilityHidden
		}
		return models.VisibilityAvailable
	}
	if ch.Hidden {
		return models.VisibilityHidden
	}
	return models.VisibilityLocked
}

// Addressable reports whether a player may send a turn to the character.
func Addressable(v models.Visibility) bool {
	return v == models.VisibilityAvailable || v == models.VisibilityEncountered
}

func toLowerSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[strings.ToLower(id)] = struct{}{}
	}
	return set
}

func containsFold(ids []string, id string) bool {
	for _, v := range ids {
		if strings.EqualFold(v, id) {
			return true
		}
	}
	return false
}
