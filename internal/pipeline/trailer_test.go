package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripTrailerAbsent(t *testing.T) {
	clean, trailer := StripTrailer("  Just a line of dialogue.  ")
	assert.Equal(t, "Just a line of dialogue.", clean)
	assert.Equal(t, NoTrailer, trailer.Kind)
}

func TestStripTrailerParsed(t *testing.T) {
	raw := `"Fine. Talk to my sister, then."
##CAST## {"new_characters":[{"id":"delia","name":"Delia","bio":"The younger sister.","persona":"sharp-tongued"}],"unlock":["warden"]}`

	clean, trailer := StripTrailer(raw)

	assert.Equal(t, `"Fine. Talk to my sister, then."`, clean)
	require.Equal(t, ParsedTrailer, trailer.Kind)
	require.Len(t, trailer.NewCharacters, 1)
	assert.Equal(t, "delia", trailer.NewCharacters[0].ID)
	assert.Equal(t, "Delia", trailer.NewCharacters[0].Name)
	assert.Equal(t, []string{"warden"}, trailer.UnlockIDs)
}

func TestStripTrailerMalformedJSONKeepsText(t *testing.T) {
	raw := "She shrugs.\n##CAST## {not json"

	clean, trailer := StripTrailer(raw)

	assert.Equal(t, "She shrugs.", clean)
	assert.Equal(t, MalformedTrailer, trailer.Kind)
	assert.Empty(t, trailer.NewCharacters)
	assert.Empty(t, trailer.UnlockIDs)
}

func TestStripTrailerSlugifiesMissingID(t *testing.T) {
	raw := `Done. ##CAST## {"new_characters":[{"name":"Old Man Santei"}]}`

	_, trailer := StripTrailer(raw)

	require.Equal(t, ParsedTrailer, trailer.Kind)
	require.Len(t, trailer.NewCharacters, 1)
	assert.Equal(t, "old-man-santei", trailer.NewCharacters[0].ID)
}

func TestStripTrailerDropsNamelessCharacters(t *testing.T) {
	raw := `Done. ##CAST## {"new_characters":[{"id":"x","name":"  "}],"unlock":[" ", "mira"]}`

	_, trailer := StripTrailer(raw)

	require.Equal(t, ParsedTrailer, trailer.Kind)
	assert.Empty(t, trailer.NewCharacters)
	assert.Equal(t, []string{"mira"}, trailer.UnlockIDs)
}

func TestStripTrailerUsesLastMarker(t *testing.T) {
	raw := `She mentions the ##CAST## sign on the door.
##CAST## {"unlock":["warden"]}`

	clean, trailer := StripTrailer(raw)

	require.Equal(t, ParsedTrailer, trailer.Kind)
	assert.Contains(t, clean, "sign on the door")
	assert.Equal(t, []string{"warden"}, trailer.UnlockIDs)
}
