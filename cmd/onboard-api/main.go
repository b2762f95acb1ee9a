package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"onboardvoice/internal/agentlink"
	"onboardvoice/internal/api"
	"onboardvoice/internal/auth"
	"onboardvoice/internal/backend"
	"onboardvoice/internal/config"
	"onboardvoice/internal/db"
	"onboardvoice/internal/jobs"
	"onboardvoice/internal/pubsub"
	"onboardvoice/internal/session"
	"onboardvoice/internal/snapshot"
	"onboardvoice/internal/stepsync"
	"onboardvoice/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if cfg.DatabaseURL == "" {
			log.Fatal("DATABASE_URL is required for migrate")
		}
		if err := db.Migrate(context.Background(), cfg.DatabaseURL); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		os.Exit(0)
	}
	if len(os.Args) > 1 && os.Args[1] != "serve" {
		log.Fatalf("Unknown command: %s (use 'serve' or 'migrate')", os.Args[1])
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	bus := pubsub.New(rdb, logger)

	hub := ws.NewHub(logger)
	hub.SetStreamsProvider(&wsStreamsAdapter{streams: bus.GetStreams()})
	go hub.Run()
	bus.SetWSHub(hub)

	// Step writes go straight to the backend, or through the asynq queue.
	backendClient := backend.NewClient(cfg.BackendURL, cfg.BackendToken)
	var writer stepsync.StepWriter = backendClient
	if cfg.SyncMode == config.SyncQueue {
		jobServer, jobClient := jobs.NewJobServer(cfg.RedisAddr, backendClient, bus, logger)
		go func() {
			if err := jobServer.Start(); err != nil {
				logger.Fatal("Job server failed", zap.Error(err))
			}
		}()
		defer jobServer.Stop()
		writer = jobs.NewQueueWriter(jobClient, logger)
	}

	var (
		ledger   api.SyncLedger
		syncOpts []stepsync.Option
	)
	if cfg.DatabaseURL != "" {
		l, err := db.OpenLedger(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer l.Close()
		ledger = l
		syncOpts = append(syncOpts, stepsync.WithLedger(l))
	} else {
		logger.Warn("DATABASE_URL not set, step sync ledger disabled")
	}
	coordinator := stepsync.NewCoordinator(writer, logger, syncOpts...)

	var agents session.AgentConnector
	if cfg.AgentURL != "" {
		dialer := agentlink.NewDialer(cfg.AgentURL, cfg.AgentToken, logger)
		agents = session.ConnectorFunc(func(ctx context.Context, sessionID string) (session.AgentConn, error) {
			c, err := dialer.Connect(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			return c, nil
		})
	} else {
		logger.Warn("AGENT_URL not set, agent events accepted over HTTP only")
	}

	sessions := session.NewManager(session.Config{
		Store:           snapshot.NewRedisStore(rdb, cfg.SnapshotTTL, logger),
		Sync:            coordinator,
		Agents:          agents,
		Bus:             bus,
		Log:             logger,
		DebounceWindow:  cfg.Debounce,
		FreshnessWindow: cfg.SnapshotTTL,
		ConnectURLs:     cfg.ConnectURLs,
		PublicBaseURL:   cfg.PublicBaseURL,
	})

	hub.SetCommandHandler(ws.NewCommandHandler(sessions, logger))
	hub.SetAuthorizer(func(tenantID, channel string) bool {
		id, ok := strings.CutPrefix(channel, "session:")
		if !ok {
			return false
		}
		_, err := sessions.View(tenantID, id)
		return err == nil
	})

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
			middleware.Timeout(30*time.Second)(next).ServeHTTP(w, req)
		})
	})

	r.Mount("/v1", api.Routes(api.Dependencies{
		Sessions: sessions,
		Ledger:   ledger,
		Hub:      hub,
		Auth:     auth.NewJWTConfig(cfg.JWTSecret, cfg.DevAuth),
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

	logger.Info("Starting server", zap.String("addr", cfg.Addr), zap.String("sync_mode", cfg.SyncMode))
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	// Closing sessions flushes debounced steps into the coordinator before it drains.
	sessions.Shutdown()
	if err := coordinator.Close(shutdownCtx); err != nil {
		logger.Warn("Step syncs still pending at shutdown", zap.Error(err))
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
	out := make([]ws.StreamEvent, len(events))
	for i, e := range events {
		out[i] = ws.StreamEvent{
			Channel:   e.Channel,
			Sequence:  e.Sequence,
			Event:     e.Event,
			Timestamp: e.Timestamp,
		}
	}
	return out, nil
}
