package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Rrens/codex-chat/internal/config"
	"github.com/Rrens/codex-chat/internal/logger"
	"github.com/Rrens/codex-chat/internal/repository/mongo"
	"github.com/Rrens/codex-chat/internal/repository/sqlite"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if _, err := logger.Setup(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	switch cfg.Store.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.Store.SQLitePath).Msg("Applying sqlite migrations")
		// NewDB migrates on open
		db, err := sqlite.NewDB(context.Background(), cfg.Store.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate sqlite database")
		}
		_ = db.Close(context.Background())
	default:
		log.Info().Str("database", cfg.Mongo.Database).Msg("Applying mongo migrations")
		if err := mongo.RunMigrations(cfg.Mongo.URI); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate mongo database")
		}
	}

	log.Info().Msg("Migrations applied")
}
