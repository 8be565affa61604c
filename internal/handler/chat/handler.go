package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	"github.com/zhouzirui/tutor-chat/backend/internal/metrics"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/chat"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
	"github.com/zhouzirui/tutor-chat/backend/internal/service/ai"
	chatService "github.com/zhouzirui/tutor-chat/backend/internal/service/chat"
	"github.com/zhouzirui/tutor-chat/backend/pkg/utils"
)

const (
	// DefaultMaxUpload 附件大小上限
	DefaultMaxUpload int64 = 10 << 20

	// MsgAttachmentTooLarge 附件或整个请求超出上限
	MsgAttachmentTooLarge = "Attachment too large"

	msgEngineUnavailable = "Chat engine is not configured"
)

// Replier 是聊天中继
type Replier interface {
	StreamReply(ctx context.Context, req ai.ChatRequest) (*ai.Reply, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	relay     Replier
	inflight  *chatService.Service
	personas  persona.Store
	maxUpload int64
	logger    *zap.Logger
}

// New 创建聊天处理器；relay 为 nil 时请求仍会校验，但通过校验后返回 GenerationFailed。
func New(relay Replier, inflight *chatService.Service, personas persona.Store, logger *zap.Logger) *Handler {
	if inflight == nil {
		inflight = chatService.NewService()
	}
	return &Handler{
		relay:     relay,
		inflight:  inflight,
		personas:  personas,
		maxUpload: DefaultMaxUpload,
		logger:    logging.OrNop(logger).Named("chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

type deltaEvent struct {
	Text string `json:"text"`
}

type doneEvent struct {
	Chunks int `json:"chunks"`
}

// handleChat 校验表单后流式返回回复。第一个分块到达之前的失败以 JSON 错误返回；
// 之后的失败中断连接（纯文本）或发送 error 事件（SSE），让客户端识别截断。
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	req, err := h.parseRequest(w, r)
	if err != nil {
		h.reject(w, req.PersonaID, err)
		return
	}

	release, err := h.inflight.Acquire(chatService.ThreadKey{
		CharacterID: req.PersonaID,
		UserName:    req.UserName,
		ThreadID:    strings.TrimSpace(r.FormValue("threadId")),
	})
	if err != nil {
		h.reject(w, req.PersonaID, err)
		return
	}
	defer release()

	if h.relay == nil {
		h.fail(w, req.PersonaID, apperr.New(apperr.GenerationFailed, msgEngineUnavailable))
		return
	}

	reply, err := h.relay.StreamReply(r.Context(), req)
	if err != nil {
		h.fail(w, req.PersonaID, err)
		return
	}
	defer reply.Close()

	first, err := reply.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, req.PersonaID, err)
		return
	}

	sse := strings.Contains(r.Header.Get("Accept"), "text/event-stream")
	if sse {
		h.streamEvents(w, r, reply, first, err, started)
		return
	}
	h.streamText(w, r, reply, first, err, started)
}

func (h *Handler) streamText(w http.ResponseWriter, r *http.Request, reply *ai.Reply, first string, firstErr error, started time.Time) {
	character := r.FormValue("characterId")
	flusher, _ := w.(http.Flusher)

	utils.SetupChunkedTextHeaders(w)
	w.WriteHeader(http.StatusOK)

	if errors.Is(firstErr, io.EOF) {
		metrics.RecordChatStream(character, metrics.OutcomeCompleted, 0)
		return
	}

	metrics.ChatFirstChunkSeconds.Observe(time.Since(started).Seconds())
	chunk := first
	for {
		if _, err := io.WriteString(w, chunk); err != nil {
			h.abandon(character, reply, err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		var err error
		chunk, err = reply.Recv()
		if errors.Is(err, io.EOF) {
			metrics.RecordChatStream(character, metrics.OutcomeCompleted, reply.Emitted())
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				h.abandon(character, reply, err)
				return
			}
			metrics.RecordChatStream(character, metrics.OutcomeTruncated, reply.Emitted())
			h.logger.Warn("reply truncated", zap.String("character", character), zap.Int("chunks", reply.Emitted()), zap.Error(err))
			// 中断连接：分块编码不会写出结束块，客户端读到 unexpected EOF
			panic(http.ErrAbortHandler)
		}
	}
}

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, reply *ai.Reply, first string, firstErr error, started time.Time) {
	character := r.FormValue("characterId")
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.fail(w, character, apperr.New(apperr.GenerationFailed, "streaming unsupported"))
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if !errors.Is(firstErr, io.EOF) {
		metrics.ChatFirstChunkSeconds.Observe(time.Since(started).Seconds())
		chunk := first
		for {
			if err := utils.SendSSEEvent(w, flusher, "delta", deltaEvent{Text: chunk}); err != nil {
				h.abandon(character, reply, err)
				return
			}

			var err error
			chunk, err = reply.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				if r.Context().Err() != nil {
					h.abandon(character, reply, err)
					return
				}
				metrics.RecordChatStream(character, metrics.OutcomeTruncated, reply.Emitted())
				body := utils.ErrorBody{Error: err.Error()}
				var appErr *apperr.Error
				if errors.As(err, &appErr) {
					body = utils.ErrorBody{Error: appErr.Message, Details: appErr.Details()}
				}
				if sendErr := utils.SendSSEEvent(w, flusher, "error", body); sendErr != nil {
					h.logger.Debug("failed to send error event", zap.Error(sendErr))
				}
				return
			}
		}
	}

	metrics.RecordChatStream(character, metrics.OutcomeCompleted, reply.Emitted())
	if err := utils.SendSSEEvent(w, flusher, "done", doneEvent{Chunks: reply.Emitted()}); err != nil {
		h.logger.Debug("failed to send done event", zap.Error(err))
	}
}

// parseRequest 按顺序校验：角色、历史、用户名。返回的请求在失败时也带上 PersonaID 以便记录指标。
// 超出上传上限的请求读不完表单，无法做字段校验，直接返回 AttachmentTooLarge。
func (h *Handler) parseRequest(w http.ResponseWriter, r *http.Request) (ai.ChatRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ai.ChatRequest{}, apperr.Wrap(apperr.AttachmentTooLarge, MsgAttachmentTooLarge, err)
		}
		if !errors.Is(err, http.ErrNotMultipart) {
			return ai.ChatRequest{}, apperr.Wrap(apperr.MalformedHistory, ai.MsgMalformedHistory, err)
		}
		if err := r.ParseForm(); err != nil {
			return ai.ChatRequest{}, apperr.Wrap(apperr.MalformedHistory, ai.MsgMalformedHistory, err)
		}
	}

	req := ai.ChatRequest{
		PersonaID: strings.TrimSpace(r.FormValue("characterId")),
		UserName:  strings.TrimSpace(r.FormValue("userName")),
	}

	if _, ok := h.personas.FindByID(req.PersonaID); !ok {
		return req, apperr.New(apperr.InvalidPersona, ai.MsgInvalidPersona)
	}

	turns, err := chat.DecodeHistory(r.FormValue("history"))
	if err != nil {
		return req, apperr.Wrap(apperr.MalformedHistory, ai.MsgMalformedHistory, err)
	}
	req.Turns = turns

	if req.UserName == "" {
		return req, apperr.New(apperr.MissingUser, ai.MsgMissingUser)
	}

	attachment, err := readAttachment(r)
	if err != nil {
		return req, apperr.Wrap(apperr.MalformedHistory, "Invalid attachment", err)
	}
	if attachment != nil && int64(len(attachment.Data)) > h.maxUpload {
		return req, apperr.New(apperr.AttachmentTooLarge, MsgAttachmentTooLarge)
	}
	req.Attachment = attachment
	return req, nil
}

func readAttachment(r *http.Request) (*chat.Attachment, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return &chat.Attachment{Name: header.Filename, MIMEType: mimeType, Data: data}, nil
}

func (h *Handler) reject(w http.ResponseWriter, character string, err error) {
	metrics.RecordChatStream(metricLabel(character, h.personas), metrics.OutcomeRejected, 0)
	h.logger.Debug("request rejected", zap.String("character", character), zap.Error(err))
	if respErr := utils.RespondAppError(w, err); respErr != nil {
		h.logger.Warn("failed to write error response", zap.Error(respErr))
	}
}

func (h *Handler) fail(w http.ResponseWriter, character string, err error) {
	metrics.RecordChatStream(character, metrics.OutcomeFailed, 0)
	h.logger.Warn("reply failed before output", zap.String("character", character), zap.Error(err))
	if respErr := utils.RespondAppError(w, err); respErr != nil {
		h.logger.Warn("failed to write error response", zap.Error(respErr))
	}
}

func (h *Handler) abandon(character string, reply *ai.Reply, err error) {
	metrics.RecordChatStream(character, metrics.OutcomeAbandoned, reply.Emitted())
	h.logger.Info("client abandoned reply", zap.String("character", character), zap.Int("chunks", reply.Emitted()), zap.Error(err))
}

// metricLabel 避免未知角色 id 撑大指标基数
func metricLabel(character string, personas persona.Store) string {
	if _, ok := personas.FindByID(character); ok {
		return character
	}
	return "unknown"
}
