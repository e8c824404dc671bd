package validation

import (
	"context"
	"math/big"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/mocks"
	"github.com/payrail/payrail-api/internal/types"
)

func fundedClient(t *testing.T, balance *big.Int) *mocks.MockChainClient {
	t.Helper()
	client := mocks.NewMockChainClientForTest(t)
	client.EXPECT().BalanceAt(gomock.Any(), gomock.Any(), gomock.Nil()).Return(balance, nil).AnyTimes()
	client.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).Return(uint64(5), nil).AnyTimes()
	client.EXPECT().SuggestGasPrice(gomock.Any()).Return(big.NewInt(10_000_000_000), nil).AnyTimes()
	return client
}

func TestChainStatePassesWithoutEchoedAmount(t *testing.T) {
	v := NewChainStateValidator(fundedClient(t, big.NewInt(10_000_000_000_000_000)), zap.NewNop())

	// The echoed wei amount is optional; only the fee and gas terms
	// are checked against the balance.
	req := validRequest()
	req.WeiAmount = ""

	res := v.Validate(context.Background(), req)
	assert.True(t, res.Passed, "reason: %s", res.Reason)
}

func TestChainStatePassesWithFundedWallet(t *testing.T) {
	v := NewChainStateValidator(fundedClient(t, big.NewInt(10_000_000_000_000_000)), zap.NewNop())

	res := v.Validate(context.Background(), validRequest())
	assert.True(t, res.Passed, "reason: %s", res.Reason)
}

func TestChainStateRejectsUnderfundedWallet(t *testing.T) {
	// Balance covers the amount but not the amount plus both legs'
	// worst-case gas.
	v := NewChainStateValidator(fundedClient(t, big.NewInt(1_000_000_000_000_000)), zap.NewNop())

	res := v.Validate(context.Background(), validRequest())
	assert.False(t, res.Passed)
	assert.True(t, res.Flags.Contains(types.FlagInsufficientFunds))
}

func TestChainStateRejectsNonNumericEcho(t *testing.T) {
	v := NewChainStateValidator(fundedClient(t, big.NewInt(10_000_000_000_000_000)), zap.NewNop())

	req := validRequest()
	req.WeiAmount = "not-a-number"

	res := v.Validate(context.Background(), req)
	assert.False(t, res.Passed)
	assert.True(t, res.Flags.Contains(types.FlagInternalError))
}

func TestChainStateBalanceOutage(t *testing.T) {
	client := mocks.NewMockChainClientForTest(t)
	client.EXPECT().BalanceAt(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(nil, errors.New("rpc timeout"))

	v := NewChainStateValidator(client, zap.NewNop())
	res := v.Validate(context.Background(), validRequest())
	assert.False(t, res.Passed)
	assert.Equal(t, "balance unavailable", res.Reason)
	assert.True(t, res.Flags.Contains(types.FlagInternalError))
}

func TestChainStateNonceOutage(t *testing.T) {
	client := mocks.NewMockChainClientForTest(t)
	client.EXPECT().BalanceAt(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(big.NewInt(10_000_000_000_000_000), nil)
	client.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).
		Return(uint64(0), errors.New("rpc timeout"))

	v := NewChainStateValidator(client, zap.NewNop())
	res := v.Validate(context.Background(), validRequest())
	assert.False(t, res.Passed)
	assert.Equal(t, "nonce unavailable", res.Reason)
	assert.True(t, res.Flags.Contains(types.FlagNonceError))
}
