// Package main provides the development realtime backend: HTTP API, realtime
// sockets, and gRPC health, backed by memory or PostgreSQL.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/matchrelay/internal/backend"
	"github.com/cory-johannsen/matchrelay/internal/config"
	"github.com/cory-johannsen/matchrelay/internal/observability"
	"github.com/cory-johannsen/matchrelay/internal/server"
	"github.com/cory-johannsen/matchrelay/internal/storage/postgres"
	"github.com/cory-johannsen/matchrelay/migrations"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (defaults and MATCHRELAY_* env when empty)")
	applyMigrations := flag.Bool("migrate", true, "apply pending migrations when the store is postgres")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.Logging, "devserver")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting matchrelay dev server",
		zap.String("store", cfg.DevServer.Store),
		zap.String("http_addr", cfg.DevServer.Addr()),
		zap.String("grpc_addr", cfg.DevServer.GRPCAddr()),
	)

	ctx := context.Background()
	lifecycle := server.NewLifecycle(logger)

	stores := backend.MemoryStores()
	if cfg.DevServer.Store == "postgres" {
		if *applyMigrations {
			if err := migrations.Up(cfg.Database.DSN()); err != nil {
				logger.Fatal("migrating database", zap.Error(err))
			}
			logger.Info("database migrated")
		}

		pool, err := postgres.NewPool(ctx, cfg.Database, logger.Named("postgres"))
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		stores = postgres.NewStores(pool.DB())
		lifecycle.Add("postgres", pool.Monitor(30*time.Second, 5*time.Second))
	}

	srv, err := backend.NewServer(cfg.DevServer, stores, observability.NewMetrics(), logger)
	if err != nil {
		logger.Fatal("creating backend", zap.Error(err))
	}
	defer srv.Close()

	lifecycle.Add("grpc", srv.GRPCService())
	lifecycle.Add("http", srv.HTTPService())

	logger.Info("server initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
