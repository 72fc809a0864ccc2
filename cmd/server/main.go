// Velo - purchase lifecycle and ledger reconciliation for paid content
package main

import (
	"context"
	"os"

	"github.com/ghprofit/velo-sub000/internal/config"
	"github.com/ghprofit/velo-sub000/internal/logging"
	"github.com/ghprofit/velo-sub000/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting velo",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Rebuild the logger with the configured level; production logs JSON
	format := "text"
	if cfg.IsProduction() {
		format = "json"
	}
	logger = logging.New(cfg.LogLevel, format)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.Currency,
		"access_window", cfg.AccessWindow.String(),
		"pending_hold", cfg.PendingHold.String(),
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
