package persona

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
)

func TestListCharactersHidesTemplates(t *testing.T) {
	r := chi.NewRouter()
	New(persona.NewMemoryStore(persona.Seed()), nil).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/characters", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotContains(t, rec.Body.String(), "{{userName}}")
	assert.NotContains(t, rec.Body.String(), "instruction")

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, len(persona.Seed()))
	for _, item := range got {
		assert.NotEmpty(t, item["id"])
		assert.NotEmpty(t, item["displayName"])
		assert.Contains(t, item, "icon")
		assert.Contains(t, item, "subjectLabel")
	}
}
