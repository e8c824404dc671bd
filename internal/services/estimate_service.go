package services

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/payrail/payrail-api/internal/chain"
	"github.com/payrail/payrail-api/internal/types"
)

var weiPerEth = decimal.New(1, 18)

// FiatToWei converts a fiat amount in minor units to wei at the given
// rate (fiat major units per whole token), flooring toward zero so a
// quote never promises more than the math supports. Exact decimal
// arithmetic: one penny converts without overflow or drift.
func FiatToWei(fiatMinor int64, rate float64) (*big.Int, error) {
	if rate <= 0 {
		return nil, errors.New("exchange rate must be positive")
	}
	// wei = fiatMinor * 1e18 / (100 * rate), as one exact integer
	// division so no intermediate rounding can creep in.
	num := decimal.NewFromInt(fiatMinor).Mul(weiPerEth)
	den := decimal.NewFromFloat(rate).Mul(decimal.NewFromInt(100))
	wei, _ := num.QuoRem(den, 0)
	return wei.BigInt(), nil
}

// WeiToEthString renders a wei amount as a decimal token string for
// display fields.
func WeiToEthString(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -18).String()
}

// EstimateService produces the full cost quote for a prospective
// payment: converted amount, platform fee, and current gas pricing.
type EstimateService struct {
	rates  *ExchangeRateService
	fees   *FeeService
	client chain.Client
	logger *zap.Logger
}

// NewEstimateService wires the estimate path.
func NewEstimateService(rates *ExchangeRateService, fees *FeeService, client chain.Client, logger *zap.Logger) *EstimateService {
	return &EstimateService{rates: rates, fees: fees, client: client, logger: logger}
}

// Estimate builds a quote. Failures are reported through the response
// status flags; the error return is reserved for request-shape
// problems the handler maps to 400.
func (s *EstimateService) Estimate(ctx context.Context, req *types.EstimateRequest) (*types.EstimateResponse, error) {
	resp := &types.EstimateResponse{
		TokenType:        req.TokenType,
		FiatAmountMinor:  req.FiatAmountMinor,
		FiatCurrency:     req.FiatCurrency,
		RecipientAddress: req.RecipientAddress,
	}

	if !common.IsHexAddress(req.SenderAddress) || !common.IsHexAddress(req.RecipientAddress) {
		resp.Status = resp.Status.With(types.FlagWalletNotFound)
		resp.Message = "sender or recipient address is not a valid address"
		return resp, nil
	}
	if req.FiatAmountMinor <= 0 {
		return nil, errors.New("amount must be positive")
	}

	rate, err := s.rates.GetRate(ctx, req.TokenType, req.FiatCurrency)
	if err != nil {
		s.logger.Warn("estimate aborted: no exchange rate", zap.Error(err))
		resp.Status = resp.Status.With(types.FlagExchangeRateUnavailable)
		resp.Message = "exchange rate unavailable"
		return resp, nil
	}
	resp.ExchangeRate = rate.Price
	resp.ExchangeRateExpiresAt = rate.ExpiresAt

	weiAmount, err := FiatToWei(req.FiatAmountMinor, rate.Price)
	if err != nil {
		resp.Status = resp.Status.With(types.FlagInternalError)
		resp.Message = err.Error()
		return resp, nil
	}
	resp.WeiAmount = weiAmount.String()
	resp.EthAmount = WeiToEthString(weiAmount)

	gas, gasErr := s.gasPricing(ctx, req, weiAmount)
	if gasErr != nil {
		s.logger.Error("gas estimation failed", zap.Error(gasErr))
		resp.Status = resp.Status.With(types.FlagInternalError)
		resp.Message = "gas estimation unavailable"
		return resp, nil
	}
	resp.Gas = gas.pricing

	serviceFee, feeErr := s.fees.ServiceFee(ctx, req.TokenType, weiAmount)
	if feeErr != nil {
		// A missing fee schedule degrades the quote, it does not kill it.
		s.logger.Warn("service fee unavailable for estimate", zap.Error(feeErr))
		resp.Status = resp.Status.With(types.FlagServiceFeeUnavailable)
		serviceFee = big.NewInt(0)
	}

	networkFee := new(big.Int).Mul(gas.maxFeePerGas, new(big.Int).SetUint64(2*gas.estimatedGas))
	totalFee := new(big.Int).Add(serviceFee, networkFee)

	resp.Fees = types.FeeBreakdown{
		ServiceFeeWei: serviceFee.String(),
		ServiceFeeETH: WeiToEthString(serviceFee),
		NetworkFeeWei: networkFee.String(),
		NetworkFeeETH: WeiToEthString(networkFee),
		TotalFeeWei:   totalFee.String(),
		TotalFeeETH:   WeiToEthString(totalFee),
	}

	required := new(big.Int).Add(weiAmount, totalFee)
	balance, err := s.client.BalanceAt(ctx, common.HexToAddress(req.SenderAddress), nil)
	if err != nil {
		resp.Status = resp.Status.With(types.FlagInternalError)
		resp.Message = "balance unavailable"
		return resp, nil
	}
	if balance.Cmp(required) < 0 {
		resp.Status = resp.Status.With(types.FlagInsufficientFunds)
		resp.Message = "insufficient balance for amount plus fees"
	}

	resp.Status = resp.Status.InferSuccess()
	return resp, nil
}

type gasEstimate struct {
	pricing      types.GasPricing
	estimatedGas uint64
	maxFeePerGas *big.Int
}

func (s *EstimateService) gasPricing(ctx context.Context, req *types.EstimateRequest, value *big.Int) (*gasEstimate, error) {
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch gas price")
	}
	tipCap, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch gas tip cap")
	}

	to := common.HexToAddress(req.RecipientAddress)
	gasLimit, err := s.client.EstimateGas(ctx, chain.CallMsg{
		From:  common.HexToAddress(req.SenderAddress),
		To:    &to,
		Value: value,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to estimate gas")
	}

	// maxFeePerGas = 2 * base estimate + tip, the usual headroom for
	// base fee movement between quote and broadcast.
	maxFee := new(big.Int).Mul(gasPrice, big.NewInt(2))
	maxFee.Add(maxFee, tipCap)

	return &gasEstimate{
		pricing: types.GasPricing{
			EstimatedGas:         new(big.Int).SetUint64(gasLimit).String(),
			GasPrice:             gasPrice.String(),
			MaxFeePerGas:         maxFee.String(),
			MaxPriorityFeePerGas: tipCap.String(),
		},
		estimatedGas: gasLimit,
		maxFeePerGas: maxFee,
	}, nil
}
