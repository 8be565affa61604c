package openaimodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStreamingServer(t *testing.T, chunks []string, captured *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			payload, _ := json.Marshal(map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": c}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestStreamRelaysDeltasInOrder(t *testing.T) {
	var captured openai.ChatCompletionRequest
	srv := newStreamingServer(t, []string{"Hel", "lo ", "Ada!"}, &captured)
	defer srv.Close()

	m, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-test"})
	require.NoError(t, err)

	sr, err := m.Stream(context.Background(), []*schema.Message{
		schema.SystemMessage("Hi Ada!"),
		schema.UserMessage("hi"),
	})
	require.NoError(t, err)
	defer sr.Close()

	var sb strings.Builder
	for {
		chunk, recvErr := sr.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		require.NoError(t, recvErr)
		sb.WriteString(chunk.Content)
	}

	assert.Equal(t, "Hello Ada!", sb.String())
	assert.True(t, captured.Stream)
	assert.Equal(t, "gpt-test", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, captured.Messages[0].Role)
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{Model: "m"})
	assert.Error(t, err)
	_, err = New(Config{APIKey: "k"})
	assert.Error(t, err)
}

func TestToOpenAIMessagesMultiContent(t *testing.T) {
	user := schema.UserMessage("look")
	user.MultiContent = []schema.ChatMessagePart{
		{Type: schema.ChatMessagePartTypeText, Text: "look"},
		{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: "data:image/png;base64,AA=="}},
		{Type: schema.ChatMessagePartTypeFileURL, FileURL: &schema.ChatMessageFileURL{URL: "data:application/pdf;base64,AA==", Name: "worksheet.pdf"}},
	}

	out := ToOpenAIMessages([]*schema.Message{schema.AssistantMessage("hello", nil), user})
	require.Len(t, out, 2)
	assert.Equal(t, openai.ChatMessageRoleAssistant, out[0].Role)
	assert.Equal(t, "hello", out[0].Content)

	parts := out[1].MultiContent
	require.Len(t, parts, 3)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, parts[1].Type)
	assert.Equal(t, "data:image/png;base64,AA==", parts[1].ImageURL.URL)
	assert.Equal(t, "[attached file: worksheet.pdf]", parts[2].Text)
}
