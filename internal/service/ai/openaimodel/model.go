// Package openaimodel adapts any OpenAI-compatible chat completion endpoint to eino's
// model.BaseChatModel, so the relay can run on it the same way it runs on Ark.
package openaimodel

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

// Config configures the adapter.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
}

// ChatModel implements model.BaseChatModel on top of go-openai.
type ChatModel struct {
	client *openai.Client
	cfg    Config
}

var _ model.BaseChatModel = (*ChatModel)(nil)

// New creates the adapter.
func New(cfg Config) (*ChatModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key must be provided")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model must be provided")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &ChatModel{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

// Generate runs a blocking completion.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	req := m.buildRequest(input, opts)
	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai completion returned no choices")
	}
	return schema.AssistantMessage(resp.Choices[0].Message.Content, nil), nil
}

// Stream runs a streaming completion; each delta becomes one assistant chunk.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	req := m.buildRequest(input, opts)
	req.Stream = true

	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	sr, sw := schema.Pipe[*schema.Message](8)
	go func() {
		defer sw.Close()
		defer stream.Close()

		for {
			resp, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				return
			}
			if recvErr != nil {
				sw.Send(nil, fmt.Errorf("openai stream recv: %w", recvErr))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if closed := sw.Send(schema.AssistantMessage(resp.Choices[0].Delta.Content, nil), nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

func (m *ChatModel) buildRequest(input []*schema.Message, opts []model.Option) openai.ChatCompletionRequest {
	modelName := m.cfg.Model
	common := model.GetCommonOptions(&model.Options{
		Model:       &modelName,
		Temperature: m.cfg.Temperature,
		TopP:        m.cfg.TopP,
		MaxTokens:   m.cfg.MaxTokens,
	}, opts...)

	req := openai.ChatCompletionRequest{
		Messages: ToOpenAIMessages(input),
	}
	if common.Model != nil {
		req.Model = *common.Model
	}
	if common.Temperature != nil {
		req.Temperature = *common.Temperature
	}
	if common.TopP != nil {
		req.TopP = *common.TopP
	}
	if common.MaxTokens != nil {
		req.MaxTokens = *common.MaxTokens
	}
	if len(common.Stop) > 0 {
		req.Stop = common.Stop
	}
	return req
}

// ToOpenAIMessages converts eino messages. File parts have no OpenAI chat equivalent and are
// reduced to a text note carrying the file name.
func ToOpenAIMessages(input []*schema.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}

		converted := openai.ChatCompletionMessage{Role: toOpenAIRole(msg.Role)}
		if len(msg.MultiContent) == 0 {
			converted.Content = msg.Content
			out = append(out, converted)
			continue
		}

		for _, part := range msg.MultiContent {
			switch part.Type {
			case schema.ChatMessagePartTypeText:
				converted.MultiContent = append(converted.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			case schema.ChatMessagePartTypeImageURL:
				if part.ImageURL == nil {
					continue
				}
				converted.MultiContent = append(converted.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL.URL, Detail: openai.ImageURLDetailAuto},
				})
			case schema.ChatMessagePartTypeFileURL:
				if part.FileURL == nil {
					continue
				}
				converted.MultiContent = append(converted.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: fmt.Sprintf("[attached file: %s]", part.FileURL.Name),
				})
			}
		}
		out = append(out, converted)
	}
	return out
}

func toOpenAIRole(role schema.RoleType) string {
	switch role {
	case schema.System:
		return openai.ChatMessageRoleSystem
	case schema.Assistant:
		return openai.ChatMessageRoleAssistant
	case schema.Tool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}
