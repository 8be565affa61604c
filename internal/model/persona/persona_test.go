package persona

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedIsValid(t *testing.T) {
	items := Seed()
	require.NotEmpty(t, items)
	require.NoError(t, Validate(items))

	for _, item := range items {
		assert.NotEmpty(t, item.DisplayName, item.ID)
		assert.NotEmpty(t, item.SubjectLabel, item.ID)
		assert.Contains(t, item.InstructionTemplate, UserNamePlaceholder, item.ID)
	}
}

func TestInstructionReplacesEveryPlaceholder(t *testing.T) {
	names := []string{"Ada", "", "{{userName}}x", "{{user{{userName}}Name}}", "userName}}", "Zoë", "Mr. O'Brien"}
	for _, p := range Seed() {
		for _, name := range names {
			got := p.Instruction(name)
			assert.NotContains(t, got, UserNamePlaceholder, "%s/%q", p.ID, name)
		}
	}

	p := Persona{ID: "lantern", InstructionTemplate: "Hi {{userName}}!"}
	assert.Equal(t, "Hi Ada!", p.Instruction("Ada"))
	assert.Equal(t, "Hi x!", p.Instruction("{{userName}}x"))
	assert.Equal(t, "Hi !", Persona{InstructionTemplate: "Hi {{{{userName}}!"}.Instruction("userName}}"))
}

func TestListHidesInstruction(t *testing.T) {
	store := NewMemoryStore(Seed())
	listing := store.List()
	require.Len(t, listing, len(Seed()))

	data, err := json.Marshal(listing)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "instruction")
	assert.NotContains(t, string(data), UserNamePlaceholder)
	assert.Contains(t, string(data), `"subjectLabel"`)
}

func TestFindByID(t *testing.T) {
	store := NewMemoryStore(Seed())

	got, ok := store.FindByID("lantern")
	require.True(t, ok)
	assert.Equal(t, "Lantern", got.DisplayName)

	_, ok = store.FindByID("doesnotexist")
	assert.False(t, ok)
}

func TestStoreIsSnapshot(t *testing.T) {
	items := []Persona{{ID: "a", DisplayName: "A", VoiceIdentity: "v", InstructionTemplate: "x"}}
	store := NewMemoryStore(items)
	items[0].DisplayName = "changed"

	got, ok := store.FindByID("a")
	require.True(t, ok)
	assert.Equal(t, "A", got.DisplayName)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string][]Persona{
		"missing id":          {{VoiceIdentity: "v", InstructionTemplate: "x"}},
		"duplicate id":        {{ID: "a", VoiceIdentity: "v", InstructionTemplate: "x"}, {ID: "a", VoiceIdentity: "v", InstructionTemplate: "x"}},
		"missing instruction": {{ID: "a", VoiceIdentity: "v"}},
		"missing voice":       {{ID: "a", InstructionTemplate: "x"}},
	}
	for name, items := range cases {
		assert.Error(t, Validate(items), name)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	roster := "- id: owl\n  displayName: Owl\n  voice: v\n  instruction: \"Hoot {{userName}}\"\n"
	require.NoError(t, os.WriteFile(path, []byte(roster), 0o600))

	items, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Hoot Ada", items[0].Instruction("Ada"))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
