package speech

import (
	"errors"
	"strings"

	speechmodel "github.com/zhouzirui/tutor-chat/backend/internal/model/speech"
)

// ErrNotConfigured 表示缺少火山引擎凭据
var ErrNotConfigured = errors.New("speech engine credentials are not configured")

// resolveCredentials 返回规范化后的 AppID 与 AccessToken，缺失时给出明确错误。
func resolveCredentials(cfg *speechmodel.TTSConfig) (string, string, error) {
	if cfg == nil {
		return "", "", ErrNotConfigured
	}

	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if appID == "" || token == "" {
		return "", "", ErrNotConfigured
	}
	return appID, token, nil
}
