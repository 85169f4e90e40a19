// The collab-core server: a real-time multi-party collaboration core
// exposing a websocket endpoint for room traffic and a small HTTP API for
// snapshots, presence, and manual conflict resolution.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/vowsync/collab-core/internal/api/rest"
	"github.com/vowsync/collab-core/internal/api/websocket"
	"github.com/vowsync/collab-core/internal/config"
	"github.com/vowsync/collab-core/internal/conflict"
	"github.com/vowsync/collab-core/internal/eventlog"
	"github.com/vowsync/collab-core/internal/presence"
	datasync "github.com/vowsync/collab-core/internal/sync"
	"github.com/vowsync/collab-core/pkg/auth"
	"github.com/vowsync/collab-core/pkg/observability"
)

func main() {
	logger := observability.NewStandardLogger("collab-core")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if standard, ok := logger.(*observability.StandardLogger); ok {
		logger = standard.WithLevel(parseLogLevel(cfg.Logging.Level))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewPrometheusMetricsClient(registry, "collab")

	authn := buildAuthenticator(cfg, logger)

	var store eventlog.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = eventlog.NewRedisStore(client)
		logger.Info("durable event store enabled", map[string]interface{}{
			"address": cfg.Redis.Address,
		})
	}

	log := eventlog.New(store, cfg.EventLog, logger, metrics)
	engine := conflict.NewEngine(cfg.Conflict, logger, metrics)
	syncService := datasync.NewService(log, engine, nil, cfg.Sync, logger, metrics)
	presenceManager := presence.NewManager(cfg.Presence, logger, metrics)
	wsServer := websocket.NewServer(authn, syncService, presenceManager, log, cfg.WebSocket, logger, metrics)
	api := rest.NewServer(wsServer, syncService, presenceManager, authn, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	presenceManager.Start(ctx)
	wsServer.Start(ctx)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening", map[string]interface{}{
			"address": cfg.Server.ListenAddress,
		})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	wsServer.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("store close failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	logger.Info("shutdown complete", nil)
}

// buildAuthenticator picks JWT verification when a secret is configured
// and falls back to a development token table otherwise
func buildAuthenticator(cfg *config.Config, logger observability.Logger) auth.Authenticator {
	if cfg.Auth.JWTSecret != "" {
		return auth.NewJWTAuthenticator(cfg.Auth.JWTSecret)
	}

	logger.Warn("no jwt secret configured, using development tokens", nil)
	static := auth.NewStaticAuthenticator(nil)
	if token := os.Getenv("COLLAB_DEV_TOKEN"); token != "" {
		static.AddToken(token, &auth.Claims{ParticipantID: "dev", Role: "owner", DisplayName: "Developer"})
	}
	return static
}

func parseLogLevel(level string) observability.LogLevel {
	switch level {
	case "debug":
		return observability.LogLevelDebug
	case "warn":
		return observability.LogLevelWarn
	case "error":
		return observability.LogLevelError
	default:
		return observability.LogLevelInfo
	}
}
