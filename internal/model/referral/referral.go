// Package referral implements the in-band marker tutors use to suggest another tutor.
//
// Grammar:
//
//	marker    = "[SWITCH_TO:" personaId "]"
//	personaId = 1*( ALPHA / DIGIT / "-" / "_" )
//
// Anything that does not match exactly is ordinary text.
package referral

import (
	"regexp"
	"strings"
)

const (
	markerOpen  = "[SWITCH_TO:"
	markerClose = "]"
)

var markerPattern = regexp.MustCompile(`\[SWITCH_TO:([A-Za-z0-9_-]+)\]`)

const blanks = " \t"

// Action is a suggested switch to another persona.
type Action struct {
	PersonaID string
}

// Parsed is assistant text split into what is shown and what can be acted on.
type Parsed struct {
	CleanText string
	Actions   []Action
}

// Marker renders the marker for personaID.
func Marker(personaID string) string {
	return markerOpen + personaID + markerClose
}

// Parse strips every marker from text and returns one action per distinct persona id,
// in order of first appearance.
func Parse(text string) Parsed {
	matches := markerPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return Parsed{CleanText: text}
	}

	seen := make(map[string]struct{}, len(matches))
	actions := make([]Action, 0, len(matches))
	for _, m := range matches {
		id := m[1]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		actions = append(actions, Action{PersonaID: id})
	}

	return Parsed{CleanText: strings.TrimSpace(stripMarkers(text)), Actions: actions}
}

// stripMarkers 删除标记，标记两侧的空白合并成一个空格；其余位置的缩进原样保留。
func stripMarkers(text string) string {
	var clean string
	last := 0
	for i, loc := range markerPattern.FindAllStringIndex(text, -1) {
		clean = join(clean, text[last:loc[0]], i > 0)
		last = loc[1]
	}
	return join(clean, text[last:], true)
}

func join(left, right string, afterMarker bool) string {
	if !afterMarker {
		return right
	}
	trimmedLeft := strings.TrimRight(left, blanks)
	trimmedRight := strings.TrimLeft(right, blanks)
	if len(trimmedLeft) < len(left) || len(trimmedRight) < len(right) {
		return trimmedLeft + " " + trimmedRight
	}
	return trimmedLeft + trimmedRight
}
