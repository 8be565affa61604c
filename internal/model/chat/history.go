package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire values of the "from" field in the serialized history.
const (
	FromUser = "user"
	FromAI   = "ai"
)

// ErrEmptyHistory is returned for a history with no entries.
var ErrEmptyHistory = errors.New("history is empty")

// HistoryEntry is the browser's serialized form of a turn.
type HistoryEntry struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// DecodeHistory parses the JSON history form field into turns.
func DecodeHistory(raw string) ([]Turn, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyHistory
	}

	var entries []HistoryEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyHistory
	}

	turns := make([]Turn, 0, len(entries))
	for i, entry := range entries {
		speaker, err := speakerFromWire(entry.From)
		if err != nil {
			return nil, fmt.Errorf("history[%d]: %w", i, err)
		}
		turns = append(turns, Turn{Speaker: speaker, Text: entry.Text})
	}
	return turns, nil
}

// EncodeHistory is the inverse of DecodeHistory, used by clients.
func EncodeHistory(turns []Turn) (string, error) {
	entries := make([]HistoryEntry, 0, len(turns))
	for _, turn := range turns {
		from := FromUser
		if turn.Speaker == SpeakerAssistant {
			from = FromAI
		}
		entries = append(entries, HistoryEntry{From: from, Text: turn.Text})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(data), nil
}

// ValidateTurns checks a decoded history is non-empty and uses known speakers.
func ValidateTurns(turns []Turn) error {
	if len(turns) == 0 {
		return ErrEmptyHistory
	}
	for i, turn := range turns {
		if !turn.Speaker.Valid() {
			return fmt.Errorf("history[%d]: unknown speaker %q", i, turn.Speaker)
		}
	}
	return nil
}

func speakerFromWire(from string) (Speaker, error) {
	switch strings.ToLower(strings.TrimSpace(from)) {
	case FromUser:
		return SpeakerUser, nil
	case FromAI, string(SpeakerAssistant):
		return SpeakerAssistant, nil
	default:
		return "", fmt.Errorf("unknown speaker %q", from)
	}
}
