package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	speechmodel "github.com/zhouzirui/tutor-chat/backend/internal/model/speech"
)

// DefaultTTSEndpoint 火山引擎单向流式合成地址
const DefaultTTSEndpoint = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

// EmitFunc 接收一段音频；返回错误时合成中止。
type EmitFunc func(chunk []byte) error

// VolcengineTTSClient 火山引擎TTS WebSocket客户端
type VolcengineTTSClient struct {
	config *speechmodel.TTSConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
}

type volcengineTTSRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string                   `json:"speaker"`
		Text        string                   `json:"text"`
		AudioParams volcengineTTSAudioParams `json:"audio_params"`
		Additions   string                   `json:"additions,omitempty"`
		Language    string                   `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcengineTTSAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

// errResourceMismatch 表示 speaker 与 resource id 不匹配，可换下一个 resource 重试
var errResourceMismatch = errors.New("resource ID is mismatched with speaker related resource")

// NewVolcengineTTSClient 创建火山引擎TTS客户端
func NewVolcengineTTSClient(config *speechmodel.TTSConfig, logger *zap.Logger) *VolcengineTTSClient {
	return &VolcengineTTSClient{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
		logger: logging.OrNop(logger).Named("tts"),
	}
}

// Stream 合成语音，每收到一段音频即调用 emit，不做缓冲。
// 只有在尚未输出任何音频时才会切换 speaker/resource 重试。
func (c *VolcengineTTSClient) Stream(ctx context.Context, req *speechmodel.TTSRequest, emit EmitFunc) error {
	if strings.TrimSpace(req.Text) == "" {
		return errors.New("TTS text is empty")
	}

	appKey, accessKey, err := resolveCredentials(c.config)
	if err != nil {
		return err
	}

	endpoint := strings.TrimSpace(c.config.Endpoint)
	if endpoint == "" {
		endpoint = DefaultTTSEndpoint
	}

	speakers := resolveSpeakerCandidates(req.Voice, c.config.Voice)
	if len(speakers) == 0 {
		return errors.New("TTS speaker is empty")
	}

	var lastMismatch error
	for _, speaker := range speakers {
		for _, resourceID := range resolveResourceCandidates(speaker) {
			attemptErr := c.streamWithResource(ctx, endpoint, req, appKey, accessKey, speaker, resourceID, emit)
			if attemptErr == nil {
				return nil
			}
			if !errors.Is(attemptErr, errResourceMismatch) {
				return attemptErr
			}
			c.logger.Info("speaker resource mismatch, trying next",
				zap.String("speaker", speaker),
				zap.String("resource", resourceID),
			)
			lastMismatch = attemptErr
		}
	}
	return lastMismatch
}

func (c *VolcengineTTSClient) streamWithResource(
	ctx context.Context,
	endpoint string,
	req *speechmodel.TTSRequest,
	appKey, accessKey, speaker, resourceID string,
	emit EmitFunc,
) error {
	connectID := uuid.NewString()

	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("failed to connect to TTS WebSocket: %w", err)
	}
	defer conn.Close()

	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			c.logger.Debug("connected", zap.String("logid", logid), zap.String("speaker", speaker))
		}
	}

	// 读循环阻塞在 ReadMessage 上，ctx 取消时关闭连接使其返回
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	payload, err := json.Marshal(c.buildTTSRequest(req, speaker))
	if err != nil {
		return fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	frame, err := NewRequestFrame(payload).MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode TTS request: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to send TTS request: %w", err)
	}

	emitted := 0
	send := func(chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		emitted += len(chunk)
		return emit(chunk)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("failed to read TTS response: %w", err)
		}

		msg, err := ParseFrame(data)
		if err != nil {
			return fmt.Errorf("failed to decode TTS message: %w", err)
		}

		body, err := msg.Body()
		if err != nil {
			return fmt.Errorf("failed to decompress TTS payload: %w", err)
		}

		switch msg.Type {
		case ErrorMessage:
			return classifyEngineError(fmt.Sprintf("TTS error %d: %s", msg.ErrorCode, string(body)), emitted)

		case AudioOnlyServerResponse:
			if err := send(body); err != nil {
				return err
			}

		case FullServerResponse:
			var serverResp ttsServerMessage
			if len(body) > 0 {
				if err := json.Unmarshal(body, &serverResp); err != nil {
					c.logger.Debug("non-json server payload", zap.Error(err))
				} else {
					if serverResp.Code != 0 && serverResp.Code != 3000 && serverResp.Code != 20000000 {
						return classifyEngineError(fmt.Sprintf("TTS API error %d: %s", serverResp.Code, serverResp.Message), emitted)
					}
					if serverResp.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(serverResp.Data)
						if err != nil {
							return fmt.Errorf("failed to decode base64 audio chunk: %w", err)
						}
						if err := send(chunk); err != nil {
							return err
						}
					}
				}
			}

			if msg.Flags&WithEvent == WithEvent && msg.Event == EventTypeSessionFailed {
				return classifyEngineError("TTS session failed: "+string(body), emitted)
			}
			if msg.Final() || serverResp.Sequence < 0 {
				if emitted == 0 {
					return errors.New("TTS audio is empty")
				}
				return nil
			}

		default:
			c.logger.Debug("unexpected message type", zap.Uint8("type", uint8(msg.Type)))
		}
	}
}

func classifyEngineError(detail string, emitted int) error {
	if emitted == 0 && strings.Contains(detail, errResourceMismatch.Error()) {
		return fmt.Errorf("%w: %s", errResourceMismatch, detail)
	}
	return errors.New(detail)
}

// buildTTSRequest 构建符合火山引擎API格式的TTS请求
func (c *VolcengineTTSClient) buildTTSRequest(req *speechmodel.TTSRequest, speaker string) *volcengineTTSRequest {
	ttsReq := &volcengineTTSRequest{}

	ttsReq.User.UID = strings.TrimSpace(req.RequestID)
	if ttsReq.User.UID == "" {
		ttsReq.User.UID = uuid.NewString()
	}

	ttsReq.ReqParams.Speaker = speaker
	ttsReq.ReqParams.Text = req.Text

	format := strings.TrimSpace(req.Format)
	if format == "" || format == "wav" {
		format = "mp3"
	}
	ttsReq.ReqParams.AudioParams.Format = format
	ttsReq.ReqParams.AudioParams.SampleRate = 24000

	speed := req.Speed
	if speed <= 0 {
		speed = c.config.Speed
	}
	if speed > 0 && speed != 1.0 {
		ttsReq.ReqParams.AudioParams.SpeedRatio = speed
	}

	volume := req.Volume
	if volume <= 0 {
		volume = c.config.Volume
	}
	if volume > 0 && volume != 1.0 {
		ttsReq.ReqParams.AudioParams.VolumeRatio = volume
	}

	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = strings.TrimSpace(c.config.Language)
	}
	ttsReq.ReqParams.Language = language

	// 回复里可能带有 markdown，交给引擎过滤
	ttsReq.ReqParams.Additions = `{"disable_markdown_filter":false}`
	return ttsReq
}
