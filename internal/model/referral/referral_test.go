package referral

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSingleMarker(t *testing.T) {
	got := Parse("That is a great reading question! [SWITCH_TO:lantern] Lantern can help.")
	assert.Equal(t, "That is a great reading question! Lantern can help.", got.CleanText)
	assert.Equal(t, []Action{{PersonaID: "lantern"}}, got.Actions)
}

func TestParseNoMarker(t *testing.T) {
	text := "  plain [text] with [SWITCH_TO:] and [switch_to:x] kept  "
	got := Parse(text)
	assert.Equal(t, text, got.CleanText)
	assert.Empty(t, got.Actions)
}

func TestParseMultipleAndDuplicateMarkers(t *testing.T) {
	got := Parse("[SWITCH_TO:pixel]Try Pixel or Fern.[SWITCH_TO:fern] [SWITCH_TO:pixel]")
	assert.Equal(t, "Try Pixel or Fern.", got.CleanText)
	assert.Equal(t, []Action{{PersonaID: "pixel"}, {PersonaID: "fern"}}, got.Actions)
}

func TestMarkerRoundTrip(t *testing.T) {
	got := Parse("Ask " + Marker("captain_atlas-2"))
	assert.Equal(t, "Ask", got.CleanText)
	assert.Equal(t, []Action{{PersonaID: "captain_atlas-2"}}, got.Actions)
}

func TestParseKeepsIndentationAwayFromMarkers(t *testing.T) {
	text := "Steps:\n  1. read\n  2. write\n\tcode  block\nAsk Fern  [SWITCH_TO:fern]\t for science."
	got := Parse(text)
	assert.Equal(t, "Steps:\n  1. read\n  2. write\n\tcode  block\nAsk Fern for science.", got.CleanText)
	assert.Equal(t, []Action{{PersonaID: "fern"}}, got.Actions)
}
