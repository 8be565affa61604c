package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHistory(t *testing.T) {
	turns, err := DecodeHistory(`[{"from":"ai","text":"Hi Ada!"},{"from":"user","text":"what is 2+2?"}]`)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, SpeakerAssistant, turns[0].Speaker)
	assert.Equal(t, SpeakerUser, turns[1].Speaker)
	assert.Equal(t, "what is 2+2?", turns[1].Text)
}

func TestDecodeHistoryRejects(t *testing.T) {
	cases := map[string]string{
		"blank":           "  ",
		"not json":        "{oops",
		"object":          `{"from":"user"}`,
		"empty array":     "[]",
		"unknown speaker": `[{"from":"robot","text":"beep"}]`,
	}
	for name, raw := range cases {
		_, err := DecodeHistory(raw)
		assert.Error(t, err, name)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	turns := []Turn{
		{Speaker: SpeakerAssistant, Text: "Hi!"},
		{Speaker: SpeakerUser, Text: "Hello"},
	}
	raw, err := EncodeHistory(turns)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"from":"ai","text":"Hi!"},{"from":"user","text":"Hello"}]`, raw)

	decoded, err := DecodeHistory(raw)
	require.NoError(t, err)
	assert.Equal(t, turns, decoded)
}

func TestValidateTurns(t *testing.T) {
	assert.ErrorIs(t, ValidateTurns(nil), ErrEmptyHistory)
	assert.Error(t, ValidateTurns([]Turn{{Speaker: "narrator"}}))
	assert.NoError(t, ValidateTurns([]Turn{{Speaker: SpeakerUser, Text: "hi"}}))
}

func TestAttachmentIsImage(t *testing.T) {
	assert.True(t, (&Attachment{MIMEType: "image/png"}).IsImage())
	assert.False(t, (&Attachment{MIMEType: "application/pdf"}).IsImage())
	var nilAttachment *Attachment
	assert.False(t, nilAttachment.IsImage())
}
