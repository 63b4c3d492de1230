package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rrens/codex-chat/internal/api"
	"github.com/Rrens/codex-chat/internal/config"
	"github.com/Rrens/codex-chat/internal/domain"
	"github.com/Rrens/codex-chat/internal/logger"
	"github.com/Rrens/codex-chat/internal/repository/mongo"
	"github.com/Rrens/codex-chat/internal/repository/redis"
	"github.com/Rrens/codex-chat/internal/repository/sqlite"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file - try multiple locations
	envPaths := []string{".env", "../.env", "../../.env"}
	envLoaded := ""
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			envLoaded = p
			break
		}
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logCloser, err := logger.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if envLoaded != "" {
		log.Info().Str("path", envLoaded).Msg("Loaded .env file")
	} else {
		log.Debug().Msg(".env file not found in any standard location")
	}

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("store", cfg.Store.Driver).
		Strs("allowed_origins", cfg.Server.AllowedOrigins).
		Msg("Starting CodeX chat server")

	// Initialize store
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := openStore(connectCtx, cfg)
	cancelConnect()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	// Initialize Redis
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(context.Background(), cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
	}

	// Initialize router
	app := api.NewRouter(cfg, store, redisClient)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      app.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal or a fatal serve error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down server...")
	case err := <-serveErr:
		log.Error().Err(err).Msg("Server failed, shutting down")
		exitCode = 1
	}

	// Graceful shutdown with a hard deadline
	hardStop := time.AfterFunc(cfg.Server.ShutdownTimeout, func() {
		log.Error().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("Graceful shutdown timed out, forcing exit")
		os.Exit(1)
	})
	defer hardStop.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.Gateway.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Realtime gateway did not drain")
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := app.LLM.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close LLM providers")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis")
		}
	}
	if err := store.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}

	log.Info().Msg("Server stopped")
	if exitCode != 0 {
		hardStop.Stop()
		logCloser.Close()
		os.Exit(exitCode)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (domain.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		db, err := sqlite.NewDB(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		db, err := mongo.NewDB(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := mongo.RunMigrations(cfg.Mongo.URI); err != nil {
				_ = db.Close(context.Background())
				return nil, err
			}
		}
		return db, nil
	}
}
