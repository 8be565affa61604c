package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	"github.com/zhouzirui/tutor-chat/backend/internal/metrics"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/speech"
	speechsvc "github.com/zhouzirui/tutor-chat/backend/internal/service/speech"
	"github.com/zhouzirui/tutor-chat/backend/pkg/utils"
)

const maxSpeakBody = 64 << 10

// SpeechService 抽象语音业务，便于测试与替换实现
type SpeechService interface {
	Synthesize(ctx context.Context, personaID, text string) (io.ReadCloser, error)
}

// Handler 语音服务的HTTP处理器
type Handler struct {
	speechSvc SpeechService
	logger    *zap.Logger
}

// New 创建语音处理器
func New(speechSvc SpeechService, logger *zap.Logger) *Handler {
	return &Handler{
		speechSvc: speechSvc,
		logger:    logging.OrNop(logger).Named("speak"),
	}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/speak", h.handleSpeak)
}

// handleSpeak 把引擎音频原样转发为 audio/mpeg。首段音频之前的失败返回 JSON 错误，之后的失败中断连接。
func (h *Handler) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var payload speech.SpeakRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpeakBody)).Decode(&payload); err != nil {
		h.respond(w, payload.CharacterID, metrics.OutcomeRejected, apperr.Wrap(apperr.MissingText, speechsvc.MsgMissingText, err))
		return
	}

	audio, err := h.speechSvc.Synthesize(r.Context(), payload.CharacterID, payload.Text)
	if err != nil {
		outcome := metrics.OutcomeRejected
		if apperr.IsKind(err, apperr.SynthesisFailed) {
			outcome = metrics.OutcomeFailed
		}
		h.respond(w, payload.CharacterID, outcome, err)
		return
	}
	defer audio.Close()

	buf := make([]byte, 32<<10)
	n, readErr := readSome(audio, buf)
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		h.respond(w, payload.CharacterID, metrics.OutcomeFailed, readErr)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	var written int64
	for n > 0 {
		if _, err := w.Write(buf[:n]); err != nil {
			metrics.RecordSpeech(payload.CharacterID, metrics.OutcomeAbandoned, written)
			h.logger.Info("listener went away", zap.String("character", payload.CharacterID), zap.Error(err))
			return
		}
		written += int64(n)
		if flusher != nil {
			flusher.Flush()
		}
		if readErr != nil {
			break
		}
		n, readErr = readSome(audio, buf)
	}

	if readErr != nil && !errors.Is(readErr, io.EOF) {
		if r.Context().Err() != nil {
			metrics.RecordSpeech(payload.CharacterID, metrics.OutcomeAbandoned, written)
			return
		}
		metrics.RecordSpeech(payload.CharacterID, metrics.OutcomeTruncated, written)
		h.logger.Warn("audio truncated", zap.String("character", payload.CharacterID), zap.Int64("bytes", written), zap.Error(readErr))
		panic(http.ErrAbortHandler)
	}
	metrics.RecordSpeech(payload.CharacterID, metrics.OutcomeCompleted, written)
}

// readSome 读到至少一个字节或出错为止
func readSome(r io.Reader, buf []byte) (int, error) {
	for {
		n, err := r.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (h *Handler) respond(w http.ResponseWriter, character, outcome string, err error) {
	metrics.RecordSpeech(character, outcome, 0)
	h.logger.Debug("speak failed", zap.String("character", character), zap.Error(err))
	if respErr := utils.RespondAppError(w, err); respErr != nil {
		h.logger.Warn("failed to write error response", zap.Error(respErr))
	}
}
