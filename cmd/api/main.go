package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/config"
	"github.com/payrail/payrail-api/internal/logger"
	"github.com/payrail/payrail-api/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// Fine in deployed environments; config comes from the real env.
		_ = err
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger.InitLogger(cfg.Stage)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}

	logger.Info("api server starting", zap.String("port", cfg.Port), zap.String("stage", cfg.Stage))
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("api server stopped")
}
