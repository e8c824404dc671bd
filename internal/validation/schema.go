package validation

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/payrail/payrail-api/internal/types"
)

// maxFiatAmountMinor caps a single payment at one million currency
// units. Anything above is a malformed or abusive request.
const maxFiatAmountMinor = 100_000_000

var supportedCurrencies = map[string]bool{
	"GBP": true,
	"USD": true,
	"EUR": true,
}

func fail(reason string) Result {
	return Result{
		Phase:  PhaseSchema,
		Passed: false,
		Reason: reason,
		Flags:  types.EstimateFlags(0).With(types.FlagInternalError),
	}
}

// checkSchema is the phase-1 structural check. It inspects only the
// request itself and never touches the network.
func checkSchema(req *types.InitiateRequest) Result {
	if req.UserID == "" {
		return fail("missing user identity")
	}
	if !common.IsHexAddress(req.SenderAddress) {
		return fail("sender address is not a valid address")
	}
	if !common.IsHexAddress(req.RecipientAddress) {
		return fail("recipient address is not a valid address")
	}
	if strings.EqualFold(req.SenderAddress, req.RecipientAddress) {
		return fail("sender and recipient must differ")
	}
	if req.FiatAmountMinor <= 0 {
		return fail("amount must be positive")
	}
	if req.FiatAmountMinor > maxFiatAmountMinor {
		return fail("amount exceeds maximum")
	}
	if !supportedCurrencies[strings.ToUpper(req.FiatCurrency)] {
		return fail("unsupported currency")
	}
	if !req.TokenType.Valid() {
		return fail("unsupported token type")
	}
	if req.WeiAmount != "" {
		if _, ok := new(big.Int).SetString(req.WeiAmount, 10); !ok {
			return fail("wei amount is not numeric")
		}
	}
	return Result{Phase: PhaseSchema, Passed: true}
}
