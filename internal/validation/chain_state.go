package validation

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/chain"
	"github.com/payrail/payrail-api/internal/types"
)

// transferGasLimit is the gas a plain value transfer consumes. Both
// legs are plain transfers.
const transferGasLimit = 21000

// ChainStateValidator checks that the sender can actually fund the
// payment at current gas prices: balance covers amount plus the
// worst-case fees of both legs, and the node is reachable for nonce
// and gas reads.
type ChainStateValidator struct {
	client chain.Client
	logger *zap.Logger
}

// NewChainStateValidator creates the on-chain funding validator.
func NewChainStateValidator(client chain.Client, logger *zap.Logger) *ChainStateValidator {
	return &ChainStateValidator{client: client, logger: logger}
}

func (c *ChainStateValidator) Phase() Phase { return PhaseChainState }

func (c *ChainStateValidator) Validate(ctx context.Context, req *types.InitiateRequest) Result {
	internalFail := func(reason string, err error) Result {
		c.logger.Error("chain state check failed", zap.String("reason", reason), zap.Error(err))
		return Result{
			Phase:  PhaseChainState,
			Passed: false,
			Reason: reason,
			Flags:  types.EstimateFlags(0).With(types.FlagInternalError),
		}
	}

	sender := common.HexToAddress(req.SenderAddress)

	balance, err := c.client.BalanceAt(ctx, sender, nil)
	if err != nil {
		return internalFail("balance unavailable", err)
	}

	if _, err := c.client.PendingNonceAt(ctx, sender); err != nil {
		return Result{
			Phase:  PhaseChainState,
			Passed: false,
			Reason: "nonce unavailable",
			Flags:  types.EstimateFlags(0).With(types.FlagNonceError),
		}
	}

	gasFeeCap, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return internalFail("gas price unavailable", err)
	}

	// The echoed wei amount is optional; without it the balance check
	// covers only the fee and gas terms, and Initiate settles the
	// final amount against the server-derived quote.
	amount := big.NewInt(0)
	if req.WeiAmount != "" {
		v, ok := new(big.Int).SetString(req.WeiAmount, 10)
		if !ok {
			return internalFail("wei amount not numeric", nil)
		}
		amount = v
	}
	serviceFee := big.NewInt(0)
	if req.ServiceFeeWei != "" {
		if v, ok := new(big.Int).SetString(req.ServiceFeeWei, 10); ok {
			serviceFee = v
		}
	}

	// Worst case: both legs at the full transfer gas limit.
	gasCost := new(big.Int).Mul(gasFeeCap, big.NewInt(2*transferGasLimit))
	required := new(big.Int).Add(amount, serviceFee)
	required.Add(required, gasCost)

	if balance.Cmp(required) < 0 {
		return Result{
			Phase:  PhaseChainState,
			Passed: false,
			Reason: fmt.Sprintf("balance %s below required %s", balance, required),
			Flags:  types.EstimateFlags(0).With(types.FlagInsufficientFunds),
		}
	}

	return Result{Phase: PhaseChainState, Passed: true}
}
