// Package config collects runtime configuration from the environment.
// Binaries call godotenv.Load before Load so a local .env file works
// the same as real environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Config is the full runtime configuration shared by the API server,
// broadcaster, and watcher.
type Config struct {
	Stage string
	Port  string

	// Chain
	RPCURL            string
	ChainID           uint64
	FeeWalletAddress  string
	ConfirmationDepth uint64

	// Storage and messaging
	EventTableName    string
	FeeScheduleTable  string
	BroadcastQueueURL string
	AWSRegion         string

	// Auth
	JWTSecret string

	// Validation
	PhaseTimeout        time.Duration
	PerTransactionLimit int64
	DailySpendLimit     int64
	RiskThreshold       int

	// Exchange rates
	RatePrimaryURL  string
	RateFallbackURL string
	RateTTL         time.Duration

	// Broadcast policy
	MainMaxAttempts int
	MainRetryWindow time.Duration
	FeeRetryWindow  time.Duration

	// Alerting
	AlertNamespace string
}

// Load reads configuration from the environment, applying defaults
// for everything optional and failing on anything required.
func Load() (*Config, error) {
	cfg := &Config{
		Stage: getEnv("STAGE", "dev"),
		Port:  getEnv("PORT", "8000"),

		RPCURL:            os.Getenv("RPC_URL"),
		FeeWalletAddress:  os.Getenv("FEE_WALLET_ADDRESS"),
		EventTableName:    getEnv("EVENT_TABLE_NAME", "payrail-transaction-events"),
		FeeScheduleTable:  getEnv("FEE_SCHEDULE_TABLE", "payrail-fee-schedule"),
		BroadcastQueueURL: os.Getenv("BROADCAST_QUEUE_URL"),
		AWSRegion:         getEnv("AWS_REGION", "eu-west-2"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		RatePrimaryURL:  getEnv("RATE_PRIMARY_URL", "https://api.coingecko.com/api/v3/simple/price"),
		RateFallbackURL: getEnv("RATE_FALLBACK_URL", "https://api.coinbase.com/v2/prices"),

		AlertNamespace: getEnv("ALERT_NAMESPACE", "Payrail/Transactions"),
	}

	var err error
	if cfg.ChainID, err = getUint64("CHAIN_ID", 11155420); err != nil {
		return nil, err
	}
	if cfg.ConfirmationDepth, err = getUint64("CONFIRMATION_DEPTH", 12); err != nil {
		return nil, err
	}
	if cfg.PhaseTimeout, err = getDuration("VALIDATION_PHASE_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.PerTransactionLimit, err = getInt64("PER_TRANSACTION_LIMIT_MINOR", 500_000); err != nil {
		return nil, err
	}
	if cfg.DailySpendLimit, err = getInt64("DAILY_SPEND_LIMIT_MINOR", 2_000_000); err != nil {
		return nil, err
	}
	if cfg.RiskThreshold, err = getInt("RISK_THRESHOLD", 80); err != nil {
		return nil, err
	}
	if cfg.RateTTL, err = getDuration("RATE_TTL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.MainMaxAttempts, err = getInt("MAIN_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.MainRetryWindow, err = getDuration("MAIN_RETRY_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if cfg.FeeRetryWindow, err = getDuration("FEE_RETRY_WINDOW", 72*time.Hour); err != nil {
		return nil, err
	}

	if cfg.RPCURL == "" {
		return nil, errors.New("RPC_URL environment variable is required")
	}
	if cfg.FeeWalletAddress == "" {
		return nil, errors.New("FEE_WALLET_ADDRESS environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET environment variable is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getUint64(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return d, nil
}
