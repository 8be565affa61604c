package speech

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	speechmodel "github.com/zhouzirui/tutor-chat/backend/internal/model/speech"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
)

// Messages surfaced verbatim to HTTP clients.
const (
	MsgMissingText        = "Missing text"
	MsgVoiceNotConfigured = "Voice not configured for this character"
	MsgSynthesisFailed    = "Failed to synthesize speech"
)

// Synthesizer 是文本转语音引擎
type Synthesizer interface {
	Stream(ctx context.Context, req *speechmodel.TTSRequest, emit EmitFunc) error
}

// Service 语音中继：校验文本、解析角色声音并把引擎音频原样流回
type Service struct {
	personas persona.Store
	engine   Synthesizer
	timeout  time.Duration
	logger   *zap.Logger
}

// NewService 创建语音服务实例；engine 为 nil 时所有合成都以 SynthesisFailed 结束。
func NewService(personas persona.Store, engine Synthesizer, timeout time.Duration, logger *zap.Logger) *Service {
	return &Service{
		personas: personas,
		engine:   engine,
		timeout:  timeout,
		logger:   logging.OrNop(logger).Named("speech"),
	}
}

// Enabled 报告是否配置了合成引擎
func (s *Service) Enabled() bool {
	return s.engine != nil
}

// Synthesize 返回引擎音频流。校验失败在联系引擎之前同步返回；
// 引擎失败以 SynthesisFailed 作为流的读取错误返回。调用方必须 Close。
func (s *Service) Synthesize(ctx context.Context, personaID, text string) (io.ReadCloser, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.MissingText, MsgMissingText)
	}

	p, ok := s.personas.FindByID(strings.TrimSpace(personaID))
	if !ok || strings.TrimSpace(p.VoiceIdentity) == "" {
		return nil, apperr.New(apperr.VoiceNotConfigured, MsgVoiceNotConfigured)
	}

	if s.engine == nil {
		return nil, apperr.Wrap(apperr.SynthesisFailed, MsgSynthesisFailed, ErrNotConfigured)
	}

	var (
		streamCtx context.Context
		cancel    context.CancelFunc
	)
	if s.timeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		streamCtx, cancel = context.WithCancel(ctx)
	}

	pr, pw := io.Pipe()
	req := &speechmodel.TTSRequest{
		Text:  text,
		Voice: p.VoiceIdentity,
	}

	go func() {
		defer cancel()
		started := time.Now()
		written := 0

		err := s.engine.Stream(streamCtx, req, func(chunk []byte) error {
			n, writeErr := pw.Write(chunk)
			written += n
			return writeErr
		})
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug("listener went away", zap.String("character", p.ID), zap.Int("bytes", written))
				return
			}
			s.logger.Warn("synthesis failed",
				zap.String("character", p.ID),
				zap.Int("bytes", written),
				zap.Error(err),
			)
			pw.CloseWithError(apperr.Wrap(apperr.SynthesisFailed, MsgSynthesisFailed, err))
			return
		}

		s.logger.Debug("synthesis completed",
			zap.String("character", p.ID),
			zap.Int("bytes", written),
			zap.Duration("elapsed", time.Since(started)),
		)
		pw.Close()
	}()

	return &audioStream{PipeReader: pr, cancel: cancel}, nil
}

type audioStream struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (a *audioStream) Close() error {
	a.cancel()
	return a.PipeReader.Close()
}
