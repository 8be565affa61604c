package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
)

func newTestRouter() http.Handler {
	return NewRouter(Dependencies{
		Personas:    persona.NewMemoryStore(persona.Seed()),
		CORSOrigins: []string{"*"},
	})
}

func TestHealthReportsEngines(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, len(persona.Seed()), got.Characters)
	assert.False(t, got.Chat)
	assert.False(t, got.Speech)
}

func TestRouterServesCharactersAndMetrics(t *testing.T) {
	router := newTestRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/characters", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tutor_api_requests_total")
}

func TestSpeakWithoutEngine(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/speak", strings.NewReader(`{"text":"hi","characterId":"lantern"}`))
	newTestRouter().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
