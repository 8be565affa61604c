package persona

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// UserNamePlaceholder is replaced by the user's display name in every instruction template.
const UserNamePlaceholder = "{{userName}}"

//go:embed personas.yaml
var builtinPersonas []byte

// Persona captures one tutoring character. InstructionTemplate never leaves the backend.
type Persona struct {
	ID                  string `yaml:"id"`
	DisplayName         string `yaml:"displayName"`
	Icon                string `yaml:"icon"`
	SubjectLabel        string `yaml:"subject"`
	VoiceIdentity       string `yaml:"voice"`
	InstructionTemplate string `yaml:"instruction"`
}

// Public is the listing shape exposed to clients.
type Public struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	Icon          string `json:"icon"`
	SubjectLabel  string `json:"subjectLabel"`
	VoiceIdentity string `json:"voiceIdentity,omitempty"`
}

// Public strips the instruction template.
func (p Persona) Public() Public {
	return Public{
		ID:            p.ID,
		DisplayName:   p.DisplayName,
		Icon:          p.Icon,
		SubjectLabel:  p.SubjectLabel,
		VoiceIdentity: p.VoiceIdentity,
	}
}

// Instruction substitutes every occurrence of the placeholder with userName. A placeholder
// carried in by the name itself (or formed at a boundary) is removed, so the result never
// contains one.
func (p Persona) Instruction(userName string) string {
	out := strings.ReplaceAll(p.InstructionTemplate, UserNamePlaceholder, userName)
	for strings.Contains(out, UserNamePlaceholder) {
		out = strings.ReplaceAll(out, UserNamePlaceholder, "")
	}
	return out
}

// Seed returns the built-in tutors. The embedded file is validated by tests, so a decode
// failure here is a build defect.
func Seed() []Persona {
	items, err := Parse(builtinPersonas)
	if err != nil {
		panic(fmt.Sprintf("persona: invalid embedded roster: %v", err))
	}
	return items
}

// LoadFile reads a YAML roster from disk.
func LoadFile(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML roster.
func Parse(data []byte) ([]Persona, error) {
	var items []Persona
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}
	if err := Validate(items); err != nil {
		return nil, err
	}
	return items, nil
}

// Validate enforces unique ids and non-empty instruction and voice on every persona.
func Validate(items []Persona) error {
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return fmt.Errorf("persona #%d: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("persona %s: duplicate id", id)
		}
		seen[id] = struct{}{}

		if strings.TrimSpace(item.InstructionTemplate) == "" {
			return fmt.Errorf("persona %s: instruction is required", id)
		}
		if strings.TrimSpace(item.VoiceIdentity) == "" {
			return fmt.Errorf("persona %s: voice is required", id)
		}
	}
	return nil
}
