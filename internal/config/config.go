package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/spf13/viper"

	"github.com/zhouzirui/tutor-chat/backend/internal/service/ai/openaimodel"
)

// 支持的生成模型提供方。
const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	AI      AIConfig
	Speech  SpeechConfig
	Persona PersonaConfig
	Log     LogConfig
}

// Load 从环境变量（以及可选的 CONFIG_FILE）加载配置。
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper 从已准备好的 viper 实例解析配置，测试中可直接注入。
func FromViper(v *viper.Viper) (*Config, error) {
	server, err := loadServerConfig(v)
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig(v)
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig(v)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		AI:      ai,
		Speech:  speech,
		Persona: PersonaConfig{File: v.GetString("PERSONA_FILE")},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}, nil
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("LLM_PROVIDER", ProviderArk)
	v.SetDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("ARK_REGION", "cn-beijing")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("AI_IDLE_TIMEOUT", "60s")
	v.SetDefault("AI_HISTORY_LIMIT", 0)
	v.SetDefault("SPEECH_TTS_LANGUAGE", "en-US")
	v.SetDefault("SPEECH_TIMEOUT", 30)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(v *viper.Viper) (ServerConfig, error) {
	port := strings.TrimSpace(v.GetString("PORT"))
	if port == "" {
		port = "8080"
	}

	shutdown, err := parseDuration(v, "SHUTDOWN_TIMEOUT")
	if err != nil {
		return ServerConfig{}, err
	}

	cfg := ServerConfig{
		CORSOrigins:     splitList(v.GetString("CORS_ORIGINS")),
		ShutdownTimeout: shutdown,
	}

	switch {
	case strings.Contains(port, ":"):
		// 允许直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Addr = port
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	default:
		cfg.Addr = ":" + port
	}
	return cfg, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider      string
	APIKey        string
	AccessKey     string
	SecretKey     string
	Model         string
	BaseURL       string
	Region        string
	Temperature   *float64
	TopP          *float64
	MaxTokens     *int
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	IdleTimeout   time.Duration
	HistoryLimit  int
}

// Enabled 表示当前提供方是否具备必需的凭证。
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderOpenAI:
		return c.OpenAIAPIKey != "" && c.OpenAIModel != ""
	default:
		return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
	}
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%s credentials or model missing", c.Provider)
	}

	if c.Provider == ProviderOpenAI {
		return openaimodel.New(openaimodel.Config{
			APIKey:      c.OpenAIAPIKey,
			BaseURL:     c.OpenAIBaseURL,
			Model:       c.OpenAIModel,
			Temperature: toFloat32(c.Temperature),
			TopP:        toFloat32(c.TopP),
			MaxTokens:   c.MaxTokens,
		})
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: toFloat32(c.Temperature),
		TopP:        toFloat32(c.TopP),
	}
	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig(v *viper.Viper) (AIConfig, error) {
	temperature, err := parseOptionalFloat(v, "AI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloat(v, "AI_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalInt(v, "AI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	idle, err := parseDuration(v, "AI_IDLE_TIMEOUT")
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit, err := parseInt(v, "AI_HISTORY_LIMIT")
	if err != nil {
		return AIConfig{}, err
	}
	if historyLimit < 0 {
		historyLimit = 0
	}

	provider := strings.ToLower(strings.TrimSpace(v.GetString("LLM_PROVIDER")))
	if provider != ProviderArk && provider != ProviderOpenAI {
		return AIConfig{}, fmt.Errorf("invalid LLM_PROVIDER value %q", provider)
	}

	return AIConfig{
		Provider:      provider,
		APIKey:        strings.TrimSpace(v.GetString("ARK_API_KEY")),
		AccessKey:     strings.TrimSpace(v.GetString("ARK_ACCESS_KEY")),
		SecretKey:     strings.TrimSpace(v.GetString("ARK_SECRET_KEY")),
		Model:         strings.TrimSpace(v.GetString("ARK_MODEL")),
		BaseURL:       strings.TrimSpace(v.GetString("ARK_BASE_URL")),
		Region:        strings.TrimSpace(v.GetString("ARK_REGION")),
		Temperature:   temperature,
		TopP:          topP,
		MaxTokens:     maxTokens,
		OpenAIAPIKey:  strings.TrimSpace(v.GetString("OPENAI_API_KEY")),
		OpenAIBaseURL: strings.TrimSpace(v.GetString("OPENAI_BASE_URL")),
		OpenAIModel:   strings.TrimSpace(v.GetString("OPENAI_MODEL")),
		IdleTimeout:   idle,
		HistoryLimit:  historyLimit,
	}, nil
}

// SpeechConfig 描述语音合成相关配置
type SpeechConfig struct {
	AppID       string
	AccessToken string
	Voice       string
	Speed       float32
	Volume      float32
	Language    string
	Timeout     time.Duration
	Enabled     bool
}

func loadSpeechConfig(v *viper.Viper) (SpeechConfig, error) {
	timeoutSeconds, err := parseInt(v, "SPEECH_TIMEOUT")
	if err != nil {
		return SpeechConfig{}, err
	}

	speed, err := parseOptionalFloat(v, "SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}

	volume, err := parseOptionalFloat(v, "SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}

	appID := strings.TrimSpace(v.GetString("SPEECH_APP_ID"))
	token := strings.TrimSpace(v.GetString("SPEECH_ACCESS_TOKEN"))
	if token == "" {
		token = strings.TrimSpace(v.GetString("SPEECH_API_KEY"))
	}

	cfg := SpeechConfig{
		AppID:       appID,
		AccessToken: token,
		Voice:       strings.TrimSpace(v.GetString("SPEECH_TTS_VOICE")),
		Speed:       1.0,
		Volume:      1.0,
		Language:    strings.TrimSpace(v.GetString("SPEECH_TTS_LANGUAGE")),
		Timeout:     time.Duration(timeoutSeconds) * time.Second,
		Enabled:     appID != "" && token != "",
	}
	if speed != nil {
		cfg.Speed = float32(*speed)
	}
	if volume != nil {
		cfg.Volume = float32(*volume)
	}
	return cfg, nil
}

// PersonaConfig 指定可选的角色定义文件，为空时使用内置角色。
type PersonaConfig struct {
	File string
}

// LogConfig 控制 zap 日志输出。
type LogConfig struct {
	Level  string
	Format string
}

func toFloat32(val *float64) *float32 {
	if val == nil {
		return nil
	}
	f := float32(*val)
	return &f
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseInt(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloat(v *viper.Viper, key string) (*float64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return &val, nil
}

func parseOptionalInt(v *viper.Viper, key string) (*int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return &val, nil
}
