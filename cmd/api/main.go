package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/tutor-chat/backend/internal/config"
	"github.com/zhouzirui/tutor-chat/backend/internal/handler"
	"github.com/zhouzirui/tutor-chat/backend/internal/handler/chat"
	speechHandler "github.com/zhouzirui/tutor-chat/backend/internal/handler/speech"
	"github.com/zhouzirui/tutor-chat/backend/internal/logging"
	"github.com/zhouzirui/tutor-chat/backend/internal/model/persona"
	speechModel "github.com/zhouzirui/tutor-chat/backend/internal/model/speech"
	"github.com/zhouzirui/tutor-chat/backend/internal/service/ai"
	chatService "github.com/zhouzirui/tutor-chat/backend/internal/service/chat"
	"github.com/zhouzirui/tutor-chat/backend/internal/service/speech"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("failed to load .env file, continuing with system environment variables only", zap.Error(envErr))
	}

	// Initialize persona store
	roster := persona.Seed()
	if cfg.Persona.File != "" {
		roster, err = persona.LoadFile(cfg.Persona.File)
		if err != nil {
			logger.Fatal("failed to load persona file", zap.String("file", cfg.Persona.File), zap.Error(err))
		}
	}
	personaStore := persona.NewMemoryStore(roster)
	logger.Info("persona registry loaded", zap.Int("characters", len(roster)))

	// Initialize chat relay；接口变量只在成功时赋值，避免 typed nil
	var relay chat.Replier
	if cfg.AI.Enabled() {
		r, err := newRelay(ctx, cfg.AI, personaStore, logger)
		if err != nil {
			logger.Warn("failed to initialize chat relay, continuing without generation", zap.Error(err))
		} else {
			relay = r
			logger.Info("chat relay initialized", zap.String("provider", cfg.AI.Provider))
		}
	} else {
		logger.Warn("generation credentials not configured, /chat will fail after validation", zap.String("provider", cfg.AI.Provider))
	}

	// Initialize speech relay
	var speechSvc speechHandler.SpeechService
	if cfg.Speech.Enabled {
		engine := speech.NewVolcengineTTSClient(&speechModel.TTSConfig{
			AppID:       cfg.Speech.AppID,
			AccessToken: cfg.Speech.AccessToken,
			Voice:       cfg.Speech.Voice,
			Speed:       cfg.Speech.Speed,
			Volume:      cfg.Speech.Volume,
			Language:    cfg.Speech.Language,
			Timeout:     cfg.Speech.Timeout,
		}, logger)
		speechSvc = speech.NewService(personaStore, engine, cfg.Speech.Timeout, logger)
		logger.Info("speech relay initialized")
	} else {
		logger.Warn("speech credentials not configured, /speak is disabled")
	}

	router := handler.NewRouter(handler.Dependencies{
		Personas:    personaStore,
		Relay:       relay,
		InFlight:    chatService.NewService(),
		Speech:      speechSvc,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})

	startServer(ctx, cfg.Server, router, logger)
}

func newRelay(ctx context.Context, cfg config.AIConfig, personas persona.Store, logger *zap.Logger) (*ai.Relay, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, err
	}
	return ai.NewRelay(ctx, chatModel, personas, ai.Options{
		IdleTimeout:  cfg.IdleTimeout,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       logger,
	})
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("tutor-chat backend listening", zap.String("addr", addr))
	if err := runServer(ctx, srv, serverCfg.ShutdownTimeout); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
