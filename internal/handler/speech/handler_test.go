package speech

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
)

type fakeSpeech struct {
	audio   string
	failErr error
	err     error
}

func (f *fakeSpeech) Synthesize(_ context.Context, personaID, text string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte(f.audio))
		if f.failErr != nil {
			pw.CloseWithError(f.failErr)
			return
		}
		pw.Close()
	}()
	return pr, nil
}

func serve(t *testing.T, svc SpeechService, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	New(svc, nil).RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/speak", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSpeakStreamsAudio(t *testing.T) {
	rec := serve(t, &fakeSpeech{audio: "ID3audio"}, `{"text":"hello","characterId":"lantern"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ID3audio", rec.Body.String())
}

func TestSpeakValidationIsBadRequest(t *testing.T) {
	rec := serve(t, &fakeSpeech{err: apperr.New(apperr.MissingText, "Missing text")}, `{"text":"","characterId":"lantern"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing text"}`, rec.Body.String())

	rec = serve(t, &fakeSpeech{}, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpeakEngineFailureBeforeAudio(t *testing.T) {
	failure := apperr.Wrap(apperr.SynthesisFailed, "Failed to synthesize speech", errors.New("quota exceeded"))
	rec := serve(t, &fakeSpeech{failErr: failure}, `{"text":"hello","characterId":"lantern"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to synthesize speech","details":"quota exceeded"}`, rec.Body.String())
}

func TestSpeakTruncationAbortsConnection(t *testing.T) {
	failure := apperr.Wrap(apperr.SynthesisFailed, "Failed to synthesize speech", errors.New("socket closed"))
	r := chi.NewRouter()
	New(&fakeSpeech{audio: "ID3", failErr: failure}, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/speak", "application/json", strings.NewReader(`{"text":"hello","characterId":"lantern"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "ID3", string(data))
}
