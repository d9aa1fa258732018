package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chat-fanout/internal/auth"
	"chat-fanout/internal/config"
	"chat-fanout/internal/database"
	"chat-fanout/internal/fanout"
	"chat-fanout/internal/handlers"
	"chat-fanout/internal/invite"
	"chat-fanout/internal/presence"
	"chat-fanout/internal/services"
	"chat-fanout/internal/viewers"
	"chat-fanout/internal/websocket"
	"chat-fanout/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration: %v", err)
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn("Ignoring LOG_LEVEL: %v", err)
	}
	log := logger.GlobalLogger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open %s store: %v", cfg.Database.Driver, err)
	}
	defer db.Close()

	codec, err := invite.NewCodecFromString(cfg.Invite.Key)
	if err != nil {
		logger.Fatal("Invalid ROOM_KEY: %v", err)
	}

	// Initialize registries and services
	presenceReg := presence.NewRegistry()
	viewerReg := viewers.NewRegistry()
	router := fanout.NewRouter(db, db, db, presenceReg, viewerReg, fanout.Options{
		RosterTimeout:     cfg.Fanout.RosterTimeout,
		NotifyTimeout:     cfg.Fanout.NotifyTimeout,
		NotifyConcurrency: cfg.Fanout.NotifyConcurrency,
		EchoToSender:      cfg.Fanout.EchoToSender,
		Now:               time.Now,
	}, log)
	retry := fanout.NewRetryQueue(router, fanout.RetryOptions{
		Capacity:    cfg.Fanout.RetryCapacity,
		MaxAttempts: cfg.Fanout.RetryAttempts,
		BaseDelay:   cfg.Fanout.RetryBaseDelay,
		MaxDelay:    cfg.Fanout.RetryMaxDelay,
	}, log)
	retryDone := make(chan struct{})
	go func() {
		retry.Run(ctx)
		close(retryDone)
	}()
	chat := services.NewChatService(db, presenceReg, viewerReg, router, codec, services.Options{
		HistoryLimit:  cfg.Fanout.HistoryLimit,
		RosterTimeout: cfg.Fanout.RosterTimeout,
		Retry:         retry,
	}, log)

	// Initialize handlers
	authHandlers := handlers.NewAuthHandlers(auth.NewJWTVerifier(cfg.JWT.Secret))
	roomHandlers := handlers.NewRoomHandlers(chat)
	notificationHandlers := handlers.NewNotificationHandlers(chat)
	origins := handlers.NewOriginPolicy(cfg.Server.AllowedOrigins)
	wsHandlers := handlers.NewWebSocketHandlers(ctx, authHandlers, chat, origins, websocket.Options{
		SendBuffer:   cfg.WebSocket.SendBuffer,
		PingPeriod:   cfg.WebSocket.PingPeriod,
		PongWait:     cfg.WebSocket.PongWait,
		WriteWait:    cfg.WebSocket.WriteWait,
		MaxReadBytes: cfg.WebSocket.MaxReadBytes,
	}, log)

	// Setup routes
	mux := http.NewServeMux()
	handlers.SetupRoutes(mux, authHandlers, roomHandlers, notificationHandlers, wsHandlers)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      handlers.CORSMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("Server started on http://localhost%s (store: %s)", cfg.Server.Port, cfg.Database.Driver)
	logger.Info("WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	printAPIEndpoints()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()
	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error: %v", err)
	}
	<-retryDone
	stats, retried := chat.Stats(), chat.RetryStats()
	logger.Info("Dispatched %d messages, %d notifications written, %d recovered by retry, %d abandoned",
		stats.Dispatches, stats.Notifications, retried.Recovered, retried.Abandoned)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (database.Database, error) {
	switch cfg.Driver {
	case "postgres":
		return database.NewPostgresDB(ctx, cfg.URL)
	case "sqlite":
		return database.NewSQLiteDB(ctx, cfg.SQLitePath)
	case "memory":
		logger.Warn("Using in-memory store; notifications are lost on restart")
		return database.NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func printAPIEndpoints() {
	logger.Info("API endpoints:")
	logger.Info("   GET    /ws?token=")
	logger.Info("   GET    /notifications")
	logger.Info("   DELETE /notifications")
	logger.Info("   GET    /rooms/{id}/invite")
	logger.Info("   GET    /rooms/{id}/active")
	logger.Info("   POST   /invites/decode")
	logger.Info("   GET    /healthz")
}
