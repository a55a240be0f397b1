// Package main runs the parley chat server: the websocket gateway, the REST
// API, and the admin gRPC health service.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/directory"
	"github.com/cory-johannsen/parley/internal/observability"
	"github.com/cory-johannsen/parley/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	// A missing dotenv file is normal outside development.
	_ = godotenv.Load(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger("chatserver", cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting chat server",
		zap.String("name", cfg.Server.Name),
		zap.String("gateway_addr", cfg.Gateway.Addr()),
		zap.String("admin_addr", cfg.Admin.Addr()),
		zap.String("message_store", cfg.Store.Messages),
	)

	ctx := context.Background()
	app, cleanup, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("assembling server", zap.Error(err))
	}
	defer cleanup()

	if cfg.Content.RoomsFile != "" {
		seeds, err := directory.LoadSeedFile(cfg.Content.RoomsFile)
		if err != nil {
			logger.Fatal("loading room seeds", zap.Error(err))
		}
		if _, err := app.Directory.Seed(ctx, seeds); err != nil {
			logger.Fatal("seeding rooms", zap.Error(err))
		}
	}

	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)
	lifecycle.Add("admin", &server.FuncService{
		StartFn: app.Admin.ListenAndServe,
		StopFn:  app.Admin.Stop,
	})
	lifecycle.Add("gateway", &server.FuncService{
		StartFn: app.Gateway.ListenAndServe,
		StopFn:  app.Gateway.Stop,
	})

	logger.Info("chat server initialized", zap.Duration("startup", time.Since(start)))
	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("chat server stopped with error", zap.Error(err))
		cleanup()
		_ = logger.Sync()
		log.Fatalf("chatserver: %v", err)
	}
}
