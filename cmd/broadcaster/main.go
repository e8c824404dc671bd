// The broadcaster consumes committed transactions from the queue and
// submits their signed legs to the chain, each leg under its own
// retry policy.
package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/alert"
	"github.com/payrail/payrail-api/internal/chain"
	"github.com/payrail/payrail-api/internal/config"
	"github.com/payrail/payrail-api/internal/eventlog"
	"github.com/payrail/payrail-api/internal/logger"
	"github.com/payrail/payrail-api/internal/nonce"
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
	alerter := alert.NewEmitter(cloudwatch.NewFromConfig(awsCfg), cfg.AlertNamespace, logger.Log)
	nonces := nonce.NewManager(chainClient, logger.Log)

	mainPolicy := services.DefaultMainPolicy()
	mainPolicy.MaxAttempts = cfg.MainMaxAttempts
	mainPolicy.Window = cfg.MainRetryWindow
	feePolicy := services.DefaultFeePolicy()
	feePolicy.Window = cfg.FeeRetryWindow

	engine := services.NewBroadcastEngine(store, chainClient, nonces, alerter, mainPolicy, feePolicy, logger.Log)
	sqsClient := sqs.NewFromConfig(awsCfg)

	logger.Info("broadcaster started", zap.String("queue", cfg.BroadcastQueueURL))

	// Recover commits whose enqueue was lost: the Signed event is
	// durable even when the queue message is not.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := engine.Sweep(ctx); err != nil {
					logger.Error("signed-bundle sweep failed", zap.Error(err))
				}
			}
		}
	}()

	for ctx.Err() == nil {
		out, err := sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(cfg.BroadcastQueueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("failed to receive broadcast jobs", zap.Error(err))
			continue
		}

		for _, msg := range out.Messages {
			var job services.BroadcastJob
			if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
				logger.Error("dropping malformed broadcast job", zap.Error(err))
			} else if err := engine.Process(ctx, job.TransactionID); err != nil {
				// Leave the message for redelivery.
				logger.Error("broadcast processing failed",
					zap.String("transaction_id", job.TransactionID),
					zap.Error(err))
				continue
			}

			if _, err := sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(cfg.BroadcastQueueURL),
				ReceiptHandle: msg.ReceiptHandle,
			}); err != nil {
				logger.Error("failed to delete broadcast job", zap.Error(err))
			}
		}
	}

	logger.Info("broadcaster draining fee legs")
	engine.Wait()
	logger.Info("broadcaster stopped")
}
