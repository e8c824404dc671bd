package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/types"
)

// SpendReader reports how much a user has already committed within a
// rolling window, in fiat minor units.
type SpendReader interface {
	SpendSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// Limits are the compliance caps applied per request and per rolling
// 24-hour window, in fiat minor units.
type Limits struct {
	PerTransactionMinor int64
	DailyMinor          int64
}

// BusinessRulesValidator enforces per-transaction and rolling-window
// spending caps.
type BusinessRulesValidator struct {
	spend  SpendReader
	limits Limits
	logger *zap.Logger
}

// NewBusinessRulesValidator creates the compliance validator.
func NewBusinessRulesValidator(spend SpendReader, limits Limits, logger *zap.Logger) *BusinessRulesValidator {
	return &BusinessRulesValidator{spend: spend, limits: limits, logger: logger}
}

func (b *BusinessRulesValidator) Phase() Phase { return PhaseBusinessRules }

func (b *BusinessRulesValidator) Validate(ctx context.Context, req *types.InitiateRequest) Result {
	if b.limits.PerTransactionMinor > 0 && req.FiatAmountMinor > b.limits.PerTransactionMinor {
		return Result{
			Phase:  PhaseBusinessRules,
			Passed: false,
			Reason: fmt.Sprintf("amount %d exceeds per-transaction limit %d", req.FiatAmountMinor, b.limits.PerTransactionMinor),
			Flags:  types.EstimateFlags(0).With(types.FlagRateLimited),
		}
	}

	if b.limits.DailyMinor > 0 {
		spent, err := b.spend.SpendSince(ctx, req.UserID, time.Now().Add(-24*time.Hour))
		if err != nil {
			b.logger.Error("failed to read rolling spend", zap.Error(errors.Wrap(err, "business rules")))
			return Result{
				Phase:  PhaseBusinessRules,
				Passed: false,
				Reason: "spend history unavailable",
				Flags:  types.EstimateFlags(0).With(types.FlagInternalError),
			}
		}
		if spent+req.FiatAmountMinor > b.limits.DailyMinor {
			return Result{
				Phase:  PhaseBusinessRules,
				Passed: false,
				Reason: fmt.Sprintf("rolling 24h spend %d plus amount %d exceeds limit %d", spent, req.FiatAmountMinor, b.limits.DailyMinor),
				Flags:  types.EstimateFlags(0).With(types.FlagRateLimited),
			}
		}
	}

	return Result{Phase: PhaseBusinessRules, Passed: true}
}
