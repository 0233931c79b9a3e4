package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskflow/supportchat/internal/api"
	"github.com/taskflow/supportchat/internal/config"
	"github.com/taskflow/supportchat/internal/hub"
	"github.com/taskflow/supportchat/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Session store: Postgres when configured, SQLite otherwise, in-memory
	// as a last resort for local hacking.
	var (
		data store.DataStore
		err  error
	)
	switch {
	case cfg.DatabaseURL != "":
		data, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		logger.Info().Msg("connected to PostgreSQL")
	case cfg.SQLitePath != "" || !cfg.IsDevelopment():
		data, err = store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
	default:
		data = store.NewMemoryStore()
		logger.Warn().Msg("no DATABASE_URL or SQLITE_PATH, using in-memory session store")
	}
	defer data.Close()

	// Message history, receipts and presence live in Redis; the in-memory
	// store covers development without one.
	var (
		messages store.MessageStore
		presence store.PresenceStore
	)
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
		messages, presence = redisStore, redisStore
	} else {
		mem, ok := data.(*store.MemoryStore)
		if !ok {
			mem = store.NewMemoryStore()
		}
		logger.Warn().Msg("no REDIS_URL, using in-memory message store")
		messages, presence = mem, mem
	}

	// Socket hub and router
	socketHub := hub.New(data, messages, presence, cfg.AllowedOrigins, logger)
	router := api.NewRouter(cfg, logger, data, messages, presence, socketHub)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // sockets write for the lifetime of the connection
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting support chat server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
