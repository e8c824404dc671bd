// The watcher polls the chain for receipts and confirmation depth,
// moving in-flight legs through Confirmed and Finalized.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/chain"
	"github.com/payrail/payrail-api/internal/config"
	"github.com/payrail/payrail-api/internal/eventlog"
	"github.com/payrail/payrail-api/internal/logger"
	"github.com/payrail/payrail-api/internal/services"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger.InitLogger(cfg.Stage)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Fatal("failed to load aws config", zap.Error(err))
	}

	chainClient, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		logger.Fatal("failed to connect to chain", zap.Error(err))
	}
	defer chainClient.Close()

	store := eventlog.NewStore(dynamodb.NewFromConfig(awsCfg), cfg.EventTableName, logger.Log)
	watcher := services.NewWatcherService(store, chainClient, cfg.ConfirmationDepth, logger.Log)

	logger.Info("watcher started", zap.Uint64("confirmation_depth", cfg.ConfirmationDepth))
	if err := watcher.Run(ctx, 15*time.Second); err != nil && ctx.Err() == nil {
		logger.Fatal("watcher exited", zap.Error(err))
	}
	logger.Info("watcher stopped")
}
