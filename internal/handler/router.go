package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/tutor-chat/backend/internal/handler/persona"
	"github.com/zhouzirui/tutor-chat/backend/internal/handler/speech"
	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	middlewarePkg "github.com/zhouzirui/tutor-chat/backend/internal/middleware"
	personaModel "github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
	chatService "github.com/zhouzirui/tutor-chat/backend/internal/service/chat"
	"github.com/zhouzirui/tutor-chat/backend/pkg/utils"
)

// Dependencies 是路由需要的服务。Relay 与 Speech 可以为 nil，对应的引擎未配置。
type Dependencies struct {
	Personas    personaModel.Store
	Relay       chat.Replier
	InFlight    *chatService.Service
	Speech      speech.SpeechService
	CORSOrigins []string
	Logger      *zap.Logger
}

type healthResponse struct {
	Status     string `json:"status"`
	Characters int    `json:"characters"`
	Chat       bool   `json:"chat"`
	Speech     bool   `json:"speech"`
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	logger := logging.OrNop(deps.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.AccessLog(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.CORSOrigins))

	persona.New(deps.Personas, logger).RegisterRoutes(r)
	chat.New(deps.Relay, deps.InFlight, deps.Personas, logger).RegisterRoutes(r)

	if deps.Speech != nil {
		speech.New(deps.Speech, logger).RegisterRoutes(r)
	} else {
		r.Post("/speak", func(w http.ResponseWriter, r *http.Request) {
			_ = utils.RespondJSON(w, http.StatusServiceUnavailable, utils.ErrorBody{Error: "Speech engine is not configured"})
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = utils.RespondJSON(w, http.StatusOK, healthResponse{
			Status:     "ok",
			Characters: len(deps.Personas.List()),
			Chat:       deps.Relay != nil,
			Speech:     deps.Speech != nil,
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
