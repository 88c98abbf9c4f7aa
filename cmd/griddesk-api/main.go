package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"griddesk/internal/api"
	"griddesk/internal/audit"
	"griddesk/internal/auth"
	"griddesk/internal/backend"
	"griddesk/internal/config"
	"griddesk/internal/jobs"
	"griddesk/internal/pubsub"
	"griddesk/internal/schema"
	"griddesk/internal/session"
	"griddesk/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "goose-migrate" {
		if err := runGooseMigrations(); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		os.Exit(0)
	}
	if len(os.Args) > 1 && os.Args[1] != "serve" {
		log.Fatalf("Unknown command: %s (use 'serve' or 'goose-migrate')", os.Args[1])
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Audit trail
	auditStore, err := audit.NewStore(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer auditStore.Close()

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	// Pub/sub bus
	bus := pubsub.New(rdb, logger)

	// Billing backend facade
	backendClient := backend.NewClient(backend.Config{
		BaseURL:      cfg.BackendBaseURL,
		ServiceToken: cfg.BackendToken,
		Timeout:      cfg.BackendTimeout,
	}, logger)

	// Monitoring jobs
	monitor, _ := jobs.NewMonitorServer(cfg.RedisAddr, backendClient, bus, cfg.MonitorInterval, logger)
	go func() {
		if err := monitor.Start(); err != nil {
			logger.Fatal("Monitor server failed", zap.Error(err))
		}
	}()
	defer monitor.Stop()
	if err := monitor.Seed(); err != nil {
		logger.Warn("Failed to seed monitor tasks", zap.Error(err))
	}

	// WebSocket hub
	hub := ws.NewHub(logger)
	hub.SetStreamsProvider(&wsStreamsAdapter{streams: bus.GetStreams()})
	go hub.Run()
	bus.SetWSHub(hub)

	// Workflow sessions
	sessions := session.NewManager(backendClient, bus, auditStore, cfg.SessionCapacity, cfg.SessionTTL, logger)
	defer sessions.Close()

	events := schema.NewEvents()
	hub.SetCommandHandler(ws.NewCommandHandler(sessions, events, logger))

	jwtConfig := auth.NewJWTConfig(cfg.JWTSecret)

	// HTTP router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Timeout middleware - skip for WebSocket upgrades
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, req)
				return
			}
			middleware.Timeout(60 * time.Second)(next).ServeHTTP(w, req)
		})
	})

	r.Mount("/v1", api.Routes(api.Dependencies{
		Sessions: sessions,
		Backend:  backendClient,
		Audit:    auditStore,
		Hub:      hub,
		Events:   events,
		JWT:      jwtConfig,
		Log:      logger,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	logger.Info("Starting server", zap.String("addr", cfg.Addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// wsStreamsAdapter adapts pubsub.Streams to ws.StreamsProvider
type wsStreamsAdapter struct {
	streams *pubsub.Streams
}

func (a *wsStreamsAdapter) GetLastSequence(channel, connectionID string) (int64, error) {
	return a.streams.GetLastSequence(channel, connectionID)
}

func (a *wsStreamsAdapter) AcknowledgeSequence(channel, connectionID string, sequence int64) error {
	return a.streams.AcknowledgeSequence(channel, connectionID, sequence)
}

func (a *wsStreamsAdapter) ReplayEvents(channel string, sinceSeq int64, limit int64) ([]ws.StreamEvent, error) {
	events, err := a.streams.ReplayEvents(channel, sinceSeq, limit)
	if err != nil {
		return nil, err
	}

	wsEvents := make([]ws.StreamEvent, len(events))
	for i, e := range events {
		wsEvents[i] = ws.StreamEvent{
			Channel:   e.Channel,
			Sequence:  e.Sequence,
			Event:     e.Event,
			Timestamp: e.Timestamp,
		}
	}
	return wsEvents, nil
}
