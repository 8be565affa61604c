package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
)

// Validation messages surfaced verbatim to HTTP clients.
const (
	MsgInvalidPersona   = "Invalid or missing characterId"
	MsgMalformedHistory = "Invalid or missing history"
	MsgMissingUser      = "Missing userName"
	MsgGenerationFailed = "Failed to generate a reply"
)

// Options tunes a Relay.
type Options struct {
	// IdleTimeout bounds the wait for each chunk; zero disables it.
	IdleTimeout time.Duration
	// HistoryLimit keeps only the most recent turns; zero keeps all of them.
	HistoryLimit int
	Logger       *zap.Logger
}

// ChatRequest is one streamReply call.
type ChatRequest struct {
	PersonaID  string
	Turns      []chat.Turn
	UserName   string
	Attachment *chat.Attachment
}

// Relay forwards a conversation to the generative-text engine and streams the reply back.
// It keeps no per-conversation state and is safe for concurrent use.
type Relay struct {
	personas persona.Store
	prompts  *PromptBuilder
	chain    compose.Runnable[map[string]any, *schema.Message]
	opts     Options
	logger   *zap.Logger
}

// NewRelay compiles the prompt chain around chatModel.
func NewRelay(ctx context.Context, chatModel model.BaseChatModel, personas persona.Store, opts Options) (*Relay, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{instruction}"),
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Relay{
		personas: personas,
		prompts:  NewPromptBuilder(personas),
		chain:    runnable,
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).Named("relay"),
	}, nil
}

// Validate runs the precondition checks in their documented order and returns the
// resolved persona.
func (r *Relay) Validate(req ChatRequest) (persona.Persona, error) {
	p, ok := r.personas.FindByID(strings.TrimSpace(req.PersonaID))
	if !ok {
		return persona.Persona{}, apperr.New(apperr.InvalidPersona, MsgInvalidPersona)
	}
	if err := chat.ValidateTurns(req.Turns); err != nil {
		return persona.Persona{}, apperr.Wrap(apperr.MalformedHistory, MsgMalformedHistory, err)
	}
	if strings.TrimSpace(req.UserName) == "" {
		return persona.Persona{}, apperr.New(apperr.MissingUser, MsgMissingUser)
	}
	return p, nil
}

// StreamReply validates req and starts streaming. Validation failures are returned before
// the engine is contacted. The returned Reply must be drained or closed.
func (r *Relay) StreamReply(ctx context.Context, req ChatRequest) (*Reply, error) {
	p, err := r.Validate(req)
	if err != nil {
		return nil, err
	}

	turns := req.Turns
	if r.opts.HistoryLimit > 0 && len(turns) > r.opts.HistoryLimit {
		turns = turns[len(turns)-r.opts.HistoryLimit:]
	}

	input := map[string]any{
		"instruction": r.prompts.BuildSystemPrompt(p, strings.TrimSpace(req.UserName)),
		"history":     MapTurns(turns, req.Attachment),
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := r.chain.Stream(streamCtx, input)
	if err != nil {
		cancel()
		r.logger.Warn("engine refused stream", zap.String("character", p.ID), zap.Error(err))
		return nil, apperr.Wrap(apperr.GenerationFailed, MsgGenerationFailed, err)
	}

	r.logger.Debug("reply started",
		zap.String("character", p.ID),
		zap.Int("turns", len(turns)),
		zap.Bool("attachment", req.Attachment != nil),
	)
	return newReply(streamCtx, cancel, stream, r.opts.IdleTimeout, r.logger.With(zap.String("character", p.ID))), nil
}

// MapTurns converts turns to engine messages. The attachment goes on the last user turn
// only; without any user turn it is dropped.
func MapTurns(turns []chat.Turn, attachment *chat.Attachment) []*schema.Message {
	attachAt := -1
	if attachment != nil {
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].Speaker == chat.SpeakerUser {
				attachAt = i
				break
			}
		}
	}

	messages := make([]*schema.Message, 0, len(turns))
	for i, turn := range turns {
		switch turn.Speaker {
		case chat.SpeakerUser:
			msg := schema.UserMessage(turn.Text)
			if i == attachAt {
				msg.MultiContent = []schema.ChatMessagePart{
					{Type: schema.ChatMessagePartTypeText, Text: turn.Text},
					attachmentPart(attachment),
				}
			}
			messages = append(messages, msg)
		case chat.SpeakerAssistant:
			messages = append(messages, schema.AssistantMessage(turn.Text, nil))
		}
	}
	return messages
}

func attachmentPart(a *chat.Attachment) schema.ChatMessagePart {
	mimeType := a.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)

	if a.IsImage() {
		return schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{URL: dataURL, MIMEType: mimeType},
		}
	}
	return schema.ChatMessagePart{
		Type:    schema.ChatMessagePartTypeFileURL,
		FileURL: &schema.ChatMessageFileURL{URL: dataURL, MIMEType: mimeType, Name: a.Name},
	}
}
