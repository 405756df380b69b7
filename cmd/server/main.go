// Command server runs the campaign escrow API and its reconciliation loop.
package main

import (
	"context"
	"os"

	"github.com/pactum-labs/pactum/internal/config"
	"github.com/pactum-labs/pactum/internal/logging"
	"github.com/pactum-labs/pactum/internal/server"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("version", version, "commit", commit)
	logger.Info("starting pactum",
		"env", cfg.Env,
		"currency", cfg.Currency,
		"commissionRate", cfg.CommissionRate,
		"sandbox", cfg.UseSandbox(),
		"postgres", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
