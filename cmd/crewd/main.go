// crewd is the multi-agent team orchestration server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/api"
	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/common/tracing"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
	"github.com/crewd/crewd/internal/history"
	"github.com/crewd/crewd/internal/llm"
	"github.com/crewd/crewd/internal/metrics"
	"github.com/crewd/crewd/internal/session"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Fatal("config load failed", zap.Error(err))
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		logger.Default().Fatal("logger init failed", zap.Error(err))
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	sink, err := history.New(ctx, cfg.History, log)
	if err != nil {
		log.Fatal("history sink init failed", zap.Error(err))
	}

	var eventBus bus.EventBus
	if cfg.NATS.Enabled {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("nats connect failed", zap.String("url", cfg.NATS.URL), zap.Error(err))
		}
		eventBus = natsBus
		log.Info("event mirror enabled", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	broadcaster := events.NewBroadcaster(log, events.WithMirror(eventBus))

	providers := llm.NewFactory(llm.Endpoints{
		OllamaBaseURL: cfg.Providers.OllamaBaseURL,
		OpenAIBaseURL: cfg.Providers.OpenAIBaseURL,
		KimiBaseURL:   cfg.Providers.KimiBaseURL,
	})
	usage := metrics.NewTokenTracker()

	sessions := session.NewManager(session.Deps{
		BaseDir:       cfg.Storage.BaseDir,
		Providers:     providers,
		Broadcaster:   broadcaster,
		Sink:          sink,
		Usage:         usage,
		Log:           log,
		Orchestration: cfg.Orchestration,
	})

	handlers := api.NewHandlers(api.Deps{
		Sessions:    sessions,
		Broadcaster: broadcaster,
		Sink:        sink,
		Usage:       usage,
		Providers:   providers,
		PresetsDir:  cfg.Storage.PresetsDir,
		Log:         log,
	})
	router := api.NewRouter(handlers, log, cfg.Logging.Level == "debug")

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}
	go func() {
		log.Info("crewd listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server start failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	if err := sessions.StopAll(shutdownCtx); err != nil {
		log.Error("session drain error", zap.Error(err))
	}
	if err := sink.Close(); err != nil {
		log.Error("history sink close error", zap.Error(err))
	}
	eventBus.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}
	log.Info("crewd stopped")
}
