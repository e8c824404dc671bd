package services

import (
	"context"
	"math/big"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/types"
)

func TestFiatToWei(t *testing.T) {
	tests := []struct {
		name      string
		fiatMinor int64
		rate      float64
		want      string
	}{
		// £50.00 at £2000/ETH = 0.025 ETH exactly.
		{"round figure", 5000, 2000, "25000000000000000"},
		// One penny at £2000/ETH = 0.000005 ETH, no overflow, no drift.
		{"one penny", 1, 2000, "5000000000000"},
		// £50.00 at £1848.37/ETH, floored.
		{"awkward rate", 5000, 1848.37, "27050861028906550"},
		// Large amount stays exact.
		{"one million pounds", 100_000_000, 2000, "500000000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FiatToWei(tt.fiatMinor, tt.rate)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFiatToWeiRejectsBadRate(t *testing.T) {
	_, err := FiatToWei(5000, 0)
	require.Error(t, err)
	_, err = FiatToWei(5000, -1)
	require.Error(t, err)
}

func TestFiatToWeiFloorsTowardZero(t *testing.T) {
	// 1 penny at £3/ETH: 0.01/3 ETH has an infinite decimal expansion;
	// the wei figure must be the floor, never rounded up.
	got, err := FiatToWei(1, 3)
	require.NoError(t, err)

	// floor(0.01/3 * 1e18) = 3333333333333333
	assert.Equal(t, "3333333333333333", got.String())
}

func TestWeiToEthString(t *testing.T) {
	assert.Equal(t, "0.025", WeiToEthString(big.NewInt(25_000_000_000_000_000)))
	assert.Equal(t, "0", WeiToEthString(big.NewInt(0)))
}

// fakeFeeDynamo serves a single fee schedule item.
type fakeFeeDynamo struct {
	item map[string]ddbtypes.AttributeValue
	err  error
}

func (f *fakeFeeDynamo) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func ethSchedule(baseFeeWei string, bps string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"TokenType":  &ddbtypes.AttributeValueMemberS{Value: "ETH"},
		"BaseFeeWei": &ddbtypes.AttributeValueMemberS{Value: baseFeeWei},
		"FeeBps":     &ddbtypes.AttributeValueMemberN{Value: bps},
	}
}

func TestServiceFeeBasePlusBps(t *testing.T) {
	svc := NewFeeService(&fakeFeeDynamo{item: ethSchedule("1000000000000", "25")}, "fees", zap.NewNop())

	// 25 bps of 1 ETH = 0.0025 ETH, plus the base charge.
	amount, _ := new(big.Int).SetString("1000000000000000000", 10)
	fee, err := svc.ServiceFee(context.Background(), types.TokenETH, amount)
	require.NoError(t, err)
	assert.Equal(t, "2501000000000000", fee.String())
}

func TestServiceFeeFloorsProportionalPart(t *testing.T) {
	svc := NewFeeService(&fakeFeeDynamo{item: ethSchedule("0", "25")}, "fees", zap.NewNop())

	// 25 bps of 3 wei floors to 0.
	fee, err := svc.ServiceFee(context.Background(), types.TokenETH, big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, "0", fee.String())
}

func TestServiceFeeMissingSchedule(t *testing.T) {
	svc := NewFeeService(&fakeFeeDynamo{item: nil}, "fees", zap.NewNop())

	_, err := svc.ServiceFee(context.Background(), types.TokenETH, big.NewInt(1))
	require.ErrorIs(t, err, ErrFeeScheduleUnavailable)
}

func TestCheckQuoteDrift(t *testing.T) {
	derived, _ := new(big.Int).SetString("1000000000000000000", 10)

	t.Run("no echo is fine", func(t *testing.T) {
		assert.NoError(t, checkQuoteDrift(derived, ""))
	})
	t.Run("exact echo is fine", func(t *testing.T) {
		assert.NoError(t, checkQuoteDrift(derived, "1000000000000000000"))
	})
	t.Run("small drift is fine", func(t *testing.T) {
		assert.NoError(t, checkQuoteDrift(derived, "995000000000000000"))
	})
	t.Run("stale quote rejected", func(t *testing.T) {
		assert.Error(t, checkQuoteDrift(derived, "900000000000000000"))
	})
	t.Run("garbage rejected", func(t *testing.T) {
		assert.Error(t, checkQuoteDrift(derived, "about-one-eth"))
	})
}
