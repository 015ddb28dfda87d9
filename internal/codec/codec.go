// Package codec serializes transcript events to and from the line-oriented
// storage format: one compact JSON record per line, each line independently
// parseable. The codec is pure and does no I/O.
package codec

import (
	"encoding/json"
	"strings"
	"time"

	"dialogue-server/internal/models"
)

// eventRecord is the on-disk shape of a single transcript event. Keys are
// abbreviated the same way the model-facing schemas abbreviate theirs.
type eventRecord struct {
	Role string `json:"r"`
	Char string `json:"c"`
	Name string `json:"n"`
	Text string `json:"x"`
	At   int64  `json:"at"` // unix milliseconds
}

// Encode emits one canonical line per event, newline-separated, with no
// trailing newline. Encode of an empty slice is the empty string.
func Encode(events []models.TranscriptEvent) string {
	if len(events) == 0 {
		return ""
	}
	var b strings.Builder
	for i, ev := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		rec := eventRecord{
			Role: string(ev.Role),
			Char: ev.CharacterID,
			Name: ev.CharacterName,
			Text: ev.Text,
			At:   ev.Timestamp.UnixMilli(),
		}
		// Marshal of a plain struct cannot fail.
		line, _ := json.Marshal(rec)
		b.Write(line)
	}
	return b.String()
}

// Decode parses a stored transcript body back into events. It is tolerant:
// lines that fail to parse, or parse to a record missing a required field,
// are silently dropped rather than aborting, so a truncated or partially
// corrupt chunk still yields every recoverable event. The dropped count is
// returned for the caller to log.
func Decode(text string) ([]models.TranscriptEvent, int) {
	if text == "" {
		return []models.TranscriptEvent{}, 0
	}
	lines := strings.Split(text, "\n")
	events := make([]models.TranscriptEvent, 0, len(lines))
	dropped := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec eventRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			dropped++
			continue
		}
		if !validRecord(rec) {
			dropped++
			continue
		}
		events = append(events, models.TranscriptEvent{
			Role:          models.Role(rec.Role),
			CharacterID:   rec.Char,
			CharacterName: rec.Name,
			Text:          rec.Text,
			Timestamp:     time.UnixMilli(rec.At).UTC(),
		})
	}
	return events, dropped
}

// Append extends an encoded transcript with new events at the string level.
// Equivalent to Encode(Decode(existing) ++ events) for well-formed input,
// without re-encoding the existing body.
func Append(existing string, events []models.TranscriptEvent) string {
	tail := Encode(events)
	if existing == "" {
		return tail
	}
	if tail == "" {
		return existing
	}
	return existing + "\n" + tail
}

func validRecord(rec eventRecord) bool {
	if rec.Role != string(models.RoleUser) && rec.Role != string(models.RoleCharacter) {
		return false
	}
	return rec.Char != ""
}
