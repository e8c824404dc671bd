// Package server assembles the API process: AWS and chain clients,
// the service graph, and the gin router.
package server

import (
	"context"
	"net/http"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/payrail/payrail-api/internal/alert"
	"github.com/payrail/payrail-api/internal/chain"
	"github.com/payrail/payrail-api/internal/config"
	"github.com/payrail/payrail-api/internal/eventlog"
	"github.com/payrail/payrail-api/internal/handlers"
	"github.com/payrail/payrail-api/internal/logger"
	"github.com/payrail/payrail-api/internal/nonce"
	"github.com/payrail/payrail-api/internal/services"
	"github.com/payrail/payrail-api/internal/signature"
	"github.com/payrail/payrail-api/internal/validation"
)

// Server is the assembled API process.
type Server struct {
	cfg    *config.Config
	router *gin.Engine
	chain  *chain.EthClient
}

// New builds the full service graph and router.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load aws config")
	}

	chainClient, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}

	store := eventlog.NewStore(dynamodb.NewFromConfig(awsCfg), cfg.EventTableName, logger.Log)
	alerter := alert.NewEmitter(cloudwatch.NewFromConfig(awsCfg), cfg.AlertNamespace, logger.Log)
	nonces := nonce.NewManager(chainClient, logger.Log)
	verifier := signature.NewVerifier()

	rates := services.NewExchangeRateService(nil, cfg.RatePrimaryURL, cfg.RateFallbackURL, cfg.RateTTL, logger.Log)
	fees := services.NewFeeService(dynamodb.NewFromConfig(awsCfg), cfg.FeeScheduleTable, logger.Log)
	estimates := services.NewEstimateService(rates, fees, chainClient, logger.Log)

	pipeline := validation.NewPipeline([]validation.Validator{
		validation.NewAuthValidator([]byte(cfg.JWTSecret)),
		validation.NewBusinessRulesValidator(services.NewSpendReader(store), validation.Limits{
			PerTransactionMinor: cfg.PerTransactionLimit,
			DailyMinor:          cfg.DailySpendLimit,
		}, logger.Log),
		validation.NewChainStateValidator(chainClient, logger.Log),
		validation.NewFraudValidator(nil, cfg.RiskThreshold, blacklistFromEnv()),
	}, cfg.PhaseTimeout, logger.Log)

	transactions := services.NewTransactionService(services.TransactionServiceParams{
		Pipeline:         pipeline,
		Store:            store,
		Nonces:           nonces,
		Verifier:         verifier,
		Client:           chainClient,
		Rates:            rates,
		Fees:             fees,
		Estimates:        estimates,
		Queue:            sqs.NewFromConfig(awsCfg),
		QueueURL:         cfg.BroadcastQueueURL,
		Alerter:          alerter,
		Logger:           logger.Log,
		ChainID:          cfg.ChainID,
		FeeWalletAddress: cfg.FeeWalletAddress,
	})

	txHandler := handlers.NewTransactionHandler(estimates, transactions)

	router := newRouter(cfg, txHandler)

	return &Server{cfg: cfg, router: router, chain: chainClient}, nil
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.chain.Close()
		return srv.Shutdown(context.Background())
	}
}

func newRouter(cfg *config.Config, txHandler *handlers.TransactionHandler) *gin.Engine {
	if cfg.Stage == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handlers.RequestLogger())

	corsConfig := cors.DefaultConfig()
	if originsEnv := os.Getenv("CORS_ALLOWED_ORIGINS"); originsEnv != "" {
		origins := strings.Split(originsEnv, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	router.GET("/health", handlers.Health)

	api := router.Group("/api/v1")
	api.Use(handlers.AuthMiddleware([]byte(cfg.JWTSecret)))
	{
		api.POST("/transactions/estimate", txHandler.Estimate)
		api.POST("/transactions", txHandler.Initiate)
		api.GET("/transactions", txHandler.History)
		api.GET("/transactions/:id", txHandler.Status)
		api.POST("/transactions/:id/commit", txHandler.Commit)
		api.POST("/transactions/:id/cancel", txHandler.Cancel)
	}

	return router
}

func blacklistFromEnv() []string {
	raw := os.Getenv("ADDRESS_BLACKLIST")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
