// Command server runs the read-only operator HTTP API: health, metrics and DOI
// diagnostics.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dharsanguruparan/doisync/internal/api"
	"github.com/dharsanguruparan/doisync/internal/config"
	"github.com/dharsanguruparan/doisync/internal/database"
	"github.com/dharsanguruparan/doisync/internal/diagnostics"
	"github.com/dharsanguruparan/doisync/internal/ledger"
	"github.com/dharsanguruparan/doisync/internal/logging"
	"github.com/dharsanguruparan/doisync/internal/records"
	"github.com/dharsanguruparan/doisync/internal/registrar"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("DOI_CONFIG_FILE"))
	if err != nil {
		logging.New("info", "text").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	client, err := registrar.New(cfg.RegistrarURL, cfg.RegistrarUser, cfg.RegistrarPassword, cfg.RegistrarTimeout)
	if err != nil {
		logger.Error("init registrar client", "error", err)
		os.Exit(1)
	}
	diag := diagnostics.New(ledger.NewPostgres(pool), client, records.NewPostgres(pool),
		diagnostics.WithCacheTTL(cfg.APICacheTTL),
		diagnostics.WithLogger(logger))

	srv := api.New(cfg.Address, diag, prometheus.DefaultGatherer, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
