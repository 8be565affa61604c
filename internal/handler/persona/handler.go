package persona

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
	"github.com/zhouzirui/tutor-chat/backend/pkg/utils"
)

// Handler 角色列表的HTTP处理器
type Handler struct {
	personas persona.Store
	logger   *zap.Logger
}

// New 创建persona处理器
func New(personas persona.Store, logger *zap.Logger) *Handler {
	return &Handler{
		personas: personas,
		logger:   logging.OrNop(logger),
	}
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/characters", h.handleListCharacters)
}

// handleListCharacters 列出所有角色，不含指令模板
func (h *Handler) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	if err := utils.RespondJSON(w, http.StatusOK, h.personas.List()); err != nil {
		h.logger.Warn("failed to encode characters", zap.Error(err))
	}
}
