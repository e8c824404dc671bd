package services

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/types"
)

// ErrFeeScheduleUnavailable means no fee schedule could be loaded.
var ErrFeeScheduleUnavailable = errors.New("service fee schedule unavailable")

// FeeSchedule is the platform's pricing for one token: a flat base
// charge plus a proportional component in basis points.
type FeeSchedule struct {
	TokenType  types.TokenType `dynamodbav:"TokenType"`
	BaseFeeWei string          `dynamodbav:"BaseFeeWei"`
	FeeBps     int64           `dynamodbav:"FeeBps"`
}

// FeeDynamoAPI is the DynamoDB surface the fee service needs.
type FeeDynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// FeeService computes the platform service fee for a payment from the
// stored fee schedule. Schedules change rarely, so each lookup is
// cached briefly.
type FeeService struct {
	client    FeeDynamoAPI
	tableName string
	logger    *zap.Logger

	mu       sync.RWMutex
	cache    map[types.TokenType]FeeSchedule
	cachedAt map[types.TokenType]time.Time
	cacheTTL time.Duration
}

// NewFeeService creates a fee service over the given schedule table.
func NewFeeService(client FeeDynamoAPI, tableName string, logger *zap.Logger) *FeeService {
	return &FeeService{
		client:    client,
		tableName: tableName,
		logger:    logger,
		cache:     make(map[types.TokenType]FeeSchedule),
		cachedAt:  make(map[types.TokenType]time.Time),
		cacheTTL:  5 * time.Minute,
	}
}

// ServiceFee returns base + bps/10000 * amount, in wei.
func (s *FeeService) ServiceFee(ctx context.Context, token types.TokenType, amountWei *big.Int) (*big.Int, error) {
	schedule, err := s.schedule(ctx, token)
	if err != nil {
		return nil, err
	}

	base, ok := new(big.Int).SetString(schedule.BaseFeeWei, 10)
	if !ok {
		return nil, errors.Wrapf(ErrFeeScheduleUnavailable, "base fee %q is not numeric", schedule.BaseFeeWei)
	}

	proportional := new(big.Int).Mul(amountWei, big.NewInt(schedule.FeeBps))
	proportional.Div(proportional, big.NewInt(10_000))

	return new(big.Int).Add(base, proportional), nil
}

func (s *FeeService) schedule(ctx context.Context, token types.TokenType) (FeeSchedule, error) {
	s.mu.RLock()
	cached, ok := s.cache[token]
	fresh := ok && time.Since(s.cachedAt[token]) < s.cacheTTL
	s.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"TokenType": &ddbtypes.AttributeValueMemberS{Value: string(token)},
		},
	})
	if err != nil {
		// A stale cached schedule beats refusing to quote.
		if ok {
			s.logger.Warn("fee schedule refresh failed, using cached",
				zap.String("token", string(token)), zap.Error(err))
			return cached, nil
		}
		return FeeSchedule{}, errors.Wrap(ErrFeeScheduleUnavailable, err.Error())
	}
	if out.Item == nil {
		return FeeSchedule{}, errors.Wrapf(ErrFeeScheduleUnavailable, "no schedule for token %s", token)
	}

	var schedule FeeSchedule
	if err := attributevalue.UnmarshalMap(out.Item, &schedule); err != nil {
		return FeeSchedule{}, errors.Wrap(ErrFeeScheduleUnavailable, err.Error())
	}

	s.mu.Lock()
	s.cache[token] = schedule
	s.cachedAt[token] = time.Now()
	s.mu.Unlock()

	return schedule, nil
}
