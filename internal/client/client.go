// Package client talks to the tutor-chat backend over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/speech"
	"github.com/zhouzirui/tutor-chat/backend/pkg/utils"
)

// ErrTruncated means the reply stream ended before the server finished it.
var ErrTruncated = errors.New("reply stream was cut off")

// ChatRequest is one /chat call.
type ChatRequest struct {
	CharacterID string
	UserName    string
	ThreadID    string
	Turns       []chat.Turn
	Attachment  *chat.Attachment
}

// ChunkFunc receives reply fragments in arrival order. Returning an error abandons the stream.
type ChunkFunc func(chunk string) error

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Streaming calls rely on the context for
// cancellation, so the client should not set a total Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(logger) }
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 2 * time.Minute,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("client")
	return c
}

// ListCharacters fetches the tutor roster.
func (c *Client) ListCharacters(ctx context.Context) ([]persona.Public, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/characters", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var characters []persona.Public
	if err := json.NewDecoder(resp.Body).Decode(&characters); err != nil {
		return nil, fmt.Errorf("decode characters: %w", err)
	}
	return characters, nil
}

// StreamChat posts the history and hands every reply fragment to onChunk. Errors returned
// before the first fragment are the server's; after it, a broken stream is ErrTruncated.
func (c *Client) StreamChat(ctx context.Context, in ChatRequest, onChunk ChunkFunc) error {
	body, contentType, err := encodeChatForm(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	received := 0
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			received++
			if err := onChunk(string(buf[:n])); err != nil {
				return err
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("reply stream broken",
			zap.String("character", in.CharacterID),
			zap.Int("reads", received),
			zap.Error(readErr),
		)
		return fmt.Errorf("%w: %v", ErrTruncated, readErr)
	}
}

// Speak returns the audio stream for text spoken in the character's voice. Callers must
// Close it; a read error mid-stream means the audio was cut off.
func (c *Client) Speak(ctx context.Context, characterID, text string) (io.ReadCloser, error) {
	payload, err := json.Marshal(speech.SpeakRequest{Text: text, CharacterID: characterID})
	if err != nil {
		return nil, fmt.Errorf("encode speak request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/speak", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send speak: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

func encodeChatForm(in ChatRequest) (io.Reader, string, error) {
	history, err := chat.EncodeHistory(in.Turns)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"characterId", in.CharacterID},
		{"history", history},
		{"userName", in.UserName},
	}
	if in.ThreadID != "" {
		fields = append(fields, [2]string{"threadId", in.ThreadID})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}

	if in.Attachment != nil {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, in.Attachment.Name))
		mimeType := in.Attachment.MIMEType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		header.Set("Content-Type", mimeType)

		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("create file part: %w", err)
		}
		if _, err := part.Write(in.Attachment.Data); err != nil {
			return nil, "", fmt.Errorf("write file part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// decodeError turns an error response back into the *apperr.Error the server produced.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body utils.ErrorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	kind := apperr.Kind(resp.Header.Get(utils.ErrorKindHeader))
	if kind == "" {
		return fmt.Errorf("%s (status %d)", body.Error, resp.StatusCode)
	}

	var cause error
	if body.Details != "" {
		cause = errors.New(body.Details)
	}
	return apperr.Wrap(kind, body.Error, cause)
}
