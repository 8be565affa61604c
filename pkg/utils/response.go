package utils

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zhouzirui/tutor-chat/backend/internal/apperr"
)

// ErrorKindHeader 携带机器可读的错误类型，body 只保留 error/details
const ErrorKindHeader = "X-Error-Kind"

// ErrorBody 是所有错误响应的 JSON 结构
type ErrorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) error {
	return RespondJSON(w, status, ErrorBody{Error: message})
}

// RespondAppError 按错误类型选择状态码；上游错误附带 details，校验错误只带 error。
func RespondAppError(w http.ResponseWriter, err error) error {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return RespondJSON(w, http.StatusInternalServerError, ErrorBody{
			Error:   "Internal server error",
			Details: err.Error(),
		})
	}

	w.Header().Set(ErrorKindHeader, string(appErr.Kind))
	body := ErrorBody{Error: appErr.Message}
	if appErr.Upstream() {
		body.Details = appErr.Details()
	}
	return RespondJSON(w, appErr.Status(), body)
}
