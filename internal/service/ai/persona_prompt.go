package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/referral"
)

// PromptBuilder turns a persona and the user's display name into the system directive.
type PromptBuilder struct {
	personas persona.Store
}

// NewPromptBuilder creates a builder that lists the other tutors from personas.
func NewPromptBuilder(personas persona.Store) *PromptBuilder {
	return &PromptBuilder{personas: personas}
}

// BuildSystemPrompt instantiates the persona template and appends the referral guide.
func (b *PromptBuilder) BuildSystemPrompt(p persona.Persona, userName string) string {
	base := strings.TrimSpace(p.Instruction(userName))

	guide := b.referralGuide(p.ID, userName)
	if guide == "" {
		return base
	}
	return base + "\n\n" + guide
}

// referralGuide lists every other tutor with its marker, or "" when there are none.
func (b *PromptBuilder) referralGuide(selfID, userName string) string {
	if b.personas == nil {
		return ""
	}

	var others []persona.Public
	for _, item := range b.personas.List() {
		if item.ID != selfID {
			others = append(others, item)
		}
	}
	if len(others) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Other tutors in this app:\n")
	for _, item := range others {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", item.DisplayName, item.SubjectLabel, referral.Marker(item.ID))
	}
	fmt.Fprintf(&sb, "If %s asks about something another tutor teaches better, answer in one friendly sentence, "+
		"suggest that tutor, and put their marker exactly as written at the end of your reply. "+
		"Use at most one marker and never explain the marker.", displayNameOr(userName))
	return sb.String()
}

func displayNameOr(userName string) string {
	if strings.TrimSpace(userName) == "" {
		return "the child"
	}
	return userName
}
