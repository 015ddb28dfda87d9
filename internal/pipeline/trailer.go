package pipeline

import (
	"encoding/json"
	"regexp"
	"strings"

	"dialogue-server/internal/models"
)

// CastMarker prefixes the machine-readable trailer line a model may emit to
// declare new characters or unlock existing ones. The trailer is stripped
// from the user-visible text whether or not it parses.
const CastMarker = "##CAST##"

// TrailerKind discriminates the outcome of trailer parsing. Callers must
// handle all three explicitly.
type TrailerKind int

const (
	// NoTrailer means the reply carried no cast directive.
	NoTrailer TrailerKind = iota
	// ParsedTrailer means a directive was found and parsed.
	ParsedTrailer
	// MalformedTrailer means a directive marker was found but its JSON did
	// not parse; the directive is ignored and the cleaned text kept.
	MalformedTrailer
)

// Trailer is the parsed cast directive of one reply.
type Trailer struct {
	Kind          TrailerKind
	NewCharacters []models.Character
	UnlockIDs     []string
}

type trailerPayload struct {
	NewCharacters []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Bio     string `json:"bio"`
		Persona string `json:"persona"`
	} `json:"new_characters"`
	Unlock []string `json:"unlock"`
}

// StripTrailer splits a raw model reply into the user-visible text and the
// parsed cast directive.
func StripTrailer(raw string) (string, Trailer) {
	idx := strings.LastIndex(raw, CastMarker)
	if idx < 0 {
		return strings.TrimSpace(raw), Trailer{Kind: NoTrailer}
	}

	clean := strings.TrimSpace(raw[:idx])
	payloadText := strings.TrimSpace(raw[idx+len(CastMarker):])

	var payload trailerPayload
	if err := json.Unmarshal([]byte(payloadText), &payload); err != nil {
		return clean, Trailer{Kind: MalformedTrailer}
	}

	trailer := Trailer{Kind: ParsedTrailer}
	for _, nc := range payload.NewCharacters {
		name := strings.TrimSpace(nc.Name)
		if name == "" {
			continue
		}
		id := strings.TrimSpace(nc.ID)
		if id == "" {
			id = slugify(name)
		}
		trailer.NewCharacters = append(trailer.NewCharacters, models.Character{
			ID:      id,
			Name:    name,
			Bio:     strings.TrimSpace(nc.Bio),
			Persona: strings.TrimSpace(nc.Persona),
		})
	}
	for _, id := range payload.Unlock {
		if id = strings.TrimSpace(id); id != "" {
			trailer.UnlockIDs = append(trailer.UnlockIDs, id)
		}
	}
	return clean, trailer
}

var slugCleanPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	slug := slugCleanPattern.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}
