package ai

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
)

// fakeModel streams fixed chunks; failAt >= 0 injects err before chunk failAt.
type fakeModel struct {
	mu        sync.Mutex
	chunks    []string
	failAt    int
	err       error
	streamErr error
	hang      bool
	calls     int
	lastInput []*schema.Message
}

func newFakeModel(chunks ...string) *fakeModel {
	return &fakeModel{chunks: chunks, failAt: -1}
}

func (f *fakeModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(strings.Join(f.chunks, ""), nil), nil
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.mu.Lock()
	f.calls++
	f.lastInput = input
	f.mu.Unlock()

	if f.streamErr != nil {
		return nil, f.streamErr
	}

	sr, sw := schema.Pipe[*schema.Message](len(f.chunks) + 1)
	go func() {
		defer sw.Close()
		if f.hang {
			<-ctx.Done()
			return
		}
		for i, c := range f.chunks {
			if i == f.failAt {
				sw.Send(nil, f.err)
				return
			}
			sw.Send(schema.AssistantMessage(c, nil), nil)
		}
		if f.failAt == len(f.chunks) {
			sw.Send(nil, f.err)
		}
	}()
	return sr, nil
}

func (f *fakeModel) snapshot() (int, []*schema.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.lastInput
}

func lanternStore() persona.Store {
	return persona.NewMemoryStore([]persona.Persona{{
		ID:                  "lantern",
		DisplayName:         "Lantern",
		SubjectLabel:        "Reading",
		VoiceIdentity:       "warm-storyteller",
		InstructionTemplate: "Hi {{userName}}!",
	}})
}

func newTestRelay(t *testing.T, m model.BaseChatModel, opts Options) *Relay {
	t.Helper()
	relay, err := NewRelay(context.Background(), m, lanternStore(), opts)
	require.NoError(t, err)
	return relay
}

func drain(t *testing.T, reply *Reply) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		chunk, err := reply.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
}

func TestStreamReplyConcatenatesChunksInOrder(t *testing.T) {
	fake := newFakeModel("Hel", "lo ", "Ada!")
	relay := newTestRelay(t, fake, Options{})

	reply, err := relay.StreamReply(context.Background(), ChatRequest{
		PersonaID: "lantern",
		Turns:     []chat.Turn{{Speaker: chat.SpeakerUser, Text: "hi"}},
		UserName:  "Ada",
	})
	require.NoError(t, err)

	text, err := drain(t, reply)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada!", text)
	assert.Equal(t, 3, reply.Emitted())

	_, err = reply.Recv()
	assert.ErrorIs(t, err, io.EOF, "a finished reply cannot be restarted")

	calls, input := fake.snapshot()
	assert.Equal(t, 1, calls)
	require.Len(t, input, 2)
	assert.Equal(t, schema.System, input[0].Role)
	assert.Equal(t, "Hi Ada!", input[0].Content)
	assert.Equal(t, schema.User, input[1].Role)
	assert.Equal(t, "hi", input[1].Content)
}

func TestStreamReplyValidationOrder(t *testing.T) {
	fake := newFakeModel("x")
	relay := newTestRelay(t, fake, Options{})
	userTurn := []chat.Turn{{Speaker: chat.SpeakerUser, Text: "hi"}}

	cases := []struct {
		name string
		req  ChatRequest
		kind apperr.Kind
	}{
		{"unknown persona beats everything", ChatRequest{PersonaID: "doesnotexist"}, apperr.InvalidPersona},
		{"empty history", ChatRequest{PersonaID: "lantern", UserName: "Ada"}, apperr.MalformedHistory},
		{"bad speaker", ChatRequest{PersonaID: "lantern", UserName: "Ada", Turns: []chat.Turn{{Speaker: "narrator"}}}, apperr.MalformedHistory},
		{"history before user", ChatRequest{PersonaID: "lantern"}, apperr.MalformedHistory},
		{"blank user", ChatRequest{PersonaID: "lantern", Turns: userTurn, UserName: "  "}, apperr.MissingUser},
	}

	for _, tc := range cases {
		_, err := relay.StreamReply(context.Background(), tc.req)
		require.Error(t, err, tc.name)
		assert.True(t, apperr.IsKind(err, tc.kind), "%s: got %v", tc.name, err)
	}

	calls, _ := fake.snapshot()
	assert.Zero(t, calls, "validation failures must not reach the engine")
}

func TestStreamReplyInvalidPersonaMessage(t *testing.T) {
	relay := newTestRelay(t, newFakeModel(), Options{})
	_, err := relay.StreamReply(context.Background(), ChatRequest{PersonaID: "doesnotexist"})

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "Invalid or missing characterId", appErr.Message)
}

func TestStreamReplyEngineRefusal(t *testing.T) {
	fake := newFakeModel()
	fake.streamErr = errors.New("401 unauthorized")
	relay := newTestRelay(t, fake, Options{})

	_, err := relay.StreamReply(context.Background(), ChatRequest{
		PersonaID: "lantern",
		Turns:     []chat.Turn{{Speaker: chat.SpeakerUser, Text: "hi"}},
		UserName:  "Ada",
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.GenerationFailed))
}

func TestStreamReplyFailureBeforeOutput(t *testing.T) {
	fake := newFakeModel("never")
	fake.failAt = 0
	fake.err = errors.New("upstream exploded")
	relay := newTestRelay(t, fake, Options{})

	reply, err := relay.StreamReply(context.Background(), ChatRequest{
		PersonaID: "lantern",
		Turns:     []chat.Turn{{Speaker: chat.SpeakerUser, Text: "hi"}},
		UserName:  "Ada",
	})
	require.NoError(t, err)

	_, err = reply.Recv()
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.GenerationFailed))
	assert.Zero(t, reply.Emitted())
}

func TestStreamReplyTruncationAfterPartialOutput(t *testing.T) {
	fake := newFakeModel("Once ", "upon")
	fake.failAt = 1
	fake.err = errors.New("connection reset")
	relay := newTestRelay(t, fake, Options{})

	reply, err := relay.StreamReply(context.Background(), ChatRequest{
		PersonaID: "lantern",
		Turns:     []chat.Turn{{Speaker: chat.SpeakerUser, Text: "tell me a story"}},
		UserName:  "Ada",
	})
	require.NoError(t, err)

	text, err := drain(t, reply)
	require.Error(t, err)
	assert.Equal(t, "Once ", text)
	assert.Equal(t, 1, reply.Emitted())
	assert.True(t, apperr.IsKind(err, apperr.GenerationFailed))
}

func TestStreamReplyIdleTimeout(t *testing.T) {
	fake := newFakeModel()
	fake.hang = true
	relay := newTestRelay(t, fake, Options{IdleTimeout: 50 * time.Millisecond})

	reply, err := relay.StreamReply(context.Background(), ChatRequest{
		PersonaID: "lantern",
		Turns:     []chat.Turn{{Speaker: chat.SpeakerUser, Text: "hi"}},
		UserName:  "Ada",
	})
	require.NoError(t, err)

	_, err = reply.Recv()
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.GenerationFailed))
}

func TestReplyCloseAbandonsStream(t *testing.T) {
	fake := newFakeModel()
	fake.hang = true
	relay := newTestRelay(t, fake, Options{})

	reply, err := relay.StreamReply(context.Background(), ChatRequest{
		PersonaID: "lantern",
		Turns:     []chat.Turn{{Speaker: chat.SpeakerUser, Text: "hi"}},
		UserName:  "Ada",
	})
	require.NoError(t, err)

	reply.Close()
	_, err = reply.Recv()
	assert.ErrorIs(t, err, ErrReplyClosed)
}

func TestStreamReplyHistoryLimit(t *testing.T) {
	fake := newFakeModel("ok")
	relay := newTestRelay(t, fake, Options{HistoryLimit: 2})

	reply, err := relay.StreamReply(context.Background(), ChatRequest{
		PersonaID: "lantern",
		Turns: []chat.Turn{
			{Speaker: chat.SpeakerAssistant, Text: "greeting"},
			{Speaker: chat.SpeakerUser, Text: "first"},
			{Speaker: chat.SpeakerAssistant, Text: "answer"},
			{Speaker: chat.SpeakerUser, Text: "second"},
		},
		UserName: "Ada",
	})
	require.NoError(t, err)
	_, err = drain(t, reply)
	require.NoError(t, err)

	_, input := fake.snapshot()
	require.Len(t, input, 3)
	assert.Equal(t, "answer", input[1].Content)
	assert.Equal(t, "second", input[2].Content)
}

func TestMapTurnsAttachmentOnLastUserTurnOnly(t *testing.T) {
	attachment := &chat.Attachment{Name: "cat.png", MIMEType: "image/png", Data: []byte{0x89, 0x50}}
	turns := []chat.Turn{
		{Speaker: chat.SpeakerAssistant, Text: "Hi Ada!"},
		{Speaker: chat.SpeakerUser, Text: "first"},
		{Speaker: chat.SpeakerAssistant, Text: "reply"},
		{Speaker: chat.SpeakerUser, Text: "what is this?"},
		{Speaker: chat.SpeakerAssistant, Text: "thinking"},
	}

	msgs := MapTurns(turns, attachment)
	require.Len(t, msgs, len(turns))

	withAttachment := 0
	for i, msg := range msgs {
		if len(msg.MultiContent) > 0 {
			withAttachment++
			assert.Equal(t, 3, i)
		}
	}
	assert.Equal(t, 1, withAttachment)

	parts := msgs[3].MultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, "what is this?", parts[0].Text)
	assert.Equal(t, schema.ChatMessagePartTypeImageURL, parts[1].Type)
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"))

	assert.Equal(t, schema.Assistant, msgs[0].Role)
	assert.Equal(t, schema.User, msgs[1].Role)
}

func TestMapTurnsPDFBecomesFilePart(t *testing.T) {
	attachment := &chat.Attachment{Name: "worksheet.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")}
	msgs := MapTurns([]chat.Turn{{Speaker: chat.SpeakerUser, Text: "help"}}, attachment)

	require.Len(t, msgs[0].MultiContent, 2)
	part := msgs[0].MultiContent[1]
	assert.Equal(t, schema.ChatMessagePartTypeFileURL, part.Type)
	assert.Equal(t, "worksheet.pdf", part.FileURL.Name)
}

func TestMapTurnsDropsAttachmentWithoutUserTurn(t *testing.T) {
	attachment := &chat.Attachment{Name: "cat.png", MIMEType: "image/png", Data: []byte{1}}
	msgs := MapTurns([]chat.Turn{{Speaker: chat.SpeakerAssistant, Text: "Hi"}}, attachment)

	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].MultiContent)
}

func TestBuildSystemPromptListsOtherTutors(t *testing.T) {
	store := persona.NewMemoryStore(persona.Seed())
	builder := NewPromptBuilder(store)

	for _, item := range persona.Seed() {
		got := builder.BuildSystemPrompt(item, "Ada")
		assert.NotContains(t, got, persona.UserNamePlaceholder, item.ID)
		assert.NotContains(t, got, "[SWITCH_TO:"+item.ID+"]", "a tutor never refers to itself")
		assert.Contains(t, got, "[SWITCH_TO:")
	}

	single := NewPromptBuilder(lanternStore())
	p, _ := lanternStore().FindByID("lantern")
	assert.Equal(t, "Hi Ada!", single.BuildSystemPrompt(p, "Ada"))
}
