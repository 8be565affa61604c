package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-chat/backend/pkg/utils"
)

func TestListCharacters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/characters", r.URL.Path)
		_, _ = io.WriteString(w, `[{"id":"lantern","displayName":"Lantern","icon":"🏮","subjectLabel":"Reading"}]`)
	}))
	defer srv.Close()

	characters, err := New(srv.URL + "/").ListCharacters(context.Background())
	require.NoError(t, err)
	require.Len(t, characters, 1)
	assert.Equal(t, "lantern", characters[0].ID)
	assert.Equal(t, "Reading", characters[0].SubjectLabel)
}

func TestStreamChatSendsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "lantern", r.FormValue("characterId"))
		assert.Equal(t, "Ada", r.FormValue("userName"))
		assert.Equal(t, "t1", r.FormValue("threadId"))
		assert.JSONEq(t, `[{"from":"ai","text":"Hi Ada!"},{"from":"user","text":"what is this?"}]`, r.FormValue("history"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "cat.png", header.Filename)
		assert.Equal(t, "image/png", header.Header.Get("Content-Type"))
		assert.Equal(t, "\x89PNG", string(data))

		flusher := w.(http.Flusher)
		for _, chunk := range []string{"Hel", "lo ", "Ada!"} {
			_, _ = io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	var got strings.Builder
	err := New(srv.URL).StreamChat(context.Background(), ChatRequest{
		CharacterID: "lantern",
		UserName:    "Ada",
		ThreadID:    "t1",
		Turns: []chat.Turn{
			{Speaker: chat.SpeakerAssistant, Text: "Hi Ada!"},
			{Speaker: chat.SpeakerUser, Text: "what is this?"},
		},
		Attachment: &chat.Attachment{Name: "cat.png", MIMEType: "image/png", Data: []byte("\x89PNG")},
	}, func(chunk string) error {
		got.WriteString(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada!", got.String())
}

func TestStreamChatDetectsTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Hel")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	var got strings.Builder
	err := New(srv.URL).StreamChat(context.Background(), ChatRequest{
		CharacterID: "lantern",
		UserName:    "Ada",
		Turns:       []chat.Turn{{Speaker: chat.SpeakerUser, Text: "hi"}},
	}, func(chunk string) error {
		got.WriteString(chunk)
		return nil
	})
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, "Hel", got.String())
}

func TestStreamChatReturnsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.RespondAppError(w, apperr.New(apperr.InvalidPersona, "Invalid or missing characterId"))
	}))
	defer srv.Close()

	called := false
	err := New(srv.URL).StreamChat(context.Background(), ChatRequest{
		CharacterID: "doesnotexist",
		UserName:    "Ada",
		Turns:       []chat.Turn{{Speaker: chat.SpeakerUser, Text: "hi"}},
	}, func(string) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, apperr.IsKind(err, apperr.InvalidPersona))

	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "Invalid or missing characterId", appErr.Message)
	assert.Equal(t, http.StatusBadRequest, appErr.Status())
}

func TestStreamChatUpstreamDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.RespondAppError(w, apperr.Wrap(apperr.GenerationFailed, "Failed to generate a reply", errors.New("quota exceeded")))
	}))
	defer srv.Close()

	err := New(srv.URL).StreamChat(context.Background(), ChatRequest{
		CharacterID: "lantern",
		UserName:    "Ada",
		Turns:       []chat.Turn{{Speaker: chat.SpeakerUser, Text: "hi"}},
	}, func(string) error { return nil })

	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperr.GenerationFailed, appErr.Kind)
	assert.Equal(t, "quota exceeded", appErr.Details())
}

func TestStreamChatStopsWhenCallbackFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Hel")
	}))
	defer srv.Close()

	stop := errors.New("stop")
	err := New(srv.URL).StreamChat(context.Background(), ChatRequest{
		CharacterID: "lantern",
		UserName:    "Ada",
		Turns:       []chat.Turn{{Speaker: chat.SpeakerUser, Text: "hi"}},
	}, func(string) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestSpeak(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		if payload["text"] == "" {
			_ = utils.RespondAppError(w, apperr.New(apperr.MissingText, "Missing text"))
			return
		}
		assert.Equal(t, "lantern", payload["characterId"])
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = io.WriteString(w, "ID3audio")
	}))
	defer srv.Close()

	c := New(srv.URL)
	audio, err := c.Speak(context.Background(), "lantern", "Hello")
	require.NoError(t, err)
	data, err := io.ReadAll(audio)
	require.NoError(t, err)
	require.NoError(t, audio.Close())
	assert.Equal(t, "ID3audio", string(data))

	_, err = c.Speak(context.Background(), "lantern", "")
	assert.True(t, apperr.IsKind(err, apperr.MissingText))
}

func TestErrorWithoutKindHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.RespondError(w, http.StatusServiceUnavailable, "Speech engine is not configured")
	}))
	defer srv.Close()

	_, err := New(srv.URL).Speak(context.Background(), "lantern", "Hello")
	require.Error(t, err)
	_, ok := apperr.KindOf(err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "Speech engine is not configured")
	assert.Contains(t, err.Error(), "503")
}
