package types

import "encoding/json"

// EstimateFlags is a closed set of outcome flags for the estimate path.
// A response can carry several at once (e.g. SUCCESS with
// SERVICE_FEE_UNAVAILABLE); they serialize as a string list.
type EstimateFlags uint32

const (
	FlagSuccess EstimateFlags = 1 << iota
	FlagInsufficientFunds
	FlagWalletNotFound
	FlagExchangeRateUnavailable
	FlagServiceFeeUnavailable
	FlagInternalError
	FlagExecutionReverted
	FlagSignatureInvalid
	FlagGasLimitTooLow
	FlagNonceError
	FlagRateLimited
)

var flagNames = []struct {
	flag EstimateFlags
	name string
}{
	{FlagSuccess, "SUCCESS"},
	{FlagInsufficientFunds, "INSUFFICIENT_FUNDS"},
	{FlagWalletNotFound, "WALLET_NOT_FOUND"},
	{FlagExchangeRateUnavailable, "EXCHANGE_RATE_UNAVAILABLE"},
	{FlagServiceFeeUnavailable, "SERVICE_FEE_UNAVAILABLE"},
	{FlagInternalError, "INTERNAL_ERROR"},
	{FlagExecutionReverted, "EXECUTION_REVERTED"},
	{FlagSignatureInvalid, "SIGNATURE_INVALID"},
	{FlagGasLimitTooLow, "GAS_LIMIT_TOO_LOW"},
	{FlagNonceError, "NONCE_ERROR"},
	{FlagRateLimited, "RATE_LIMITED"},
}

// Contains reports whether all bits of f are set.
func (e EstimateFlags) Contains(f EstimateFlags) bool { return e&f == f }

// With returns e with the bits of f added.
func (e EstimateFlags) With(f EstimateFlags) EstimateFlags { return e | f }

// Strings returns the set flags as their wire labels.
func (e EstimateFlags) Strings() []string {
	out := make([]string, 0, 2)
	for _, fn := range flagNames {
		if e.Contains(fn.flag) {
			out = append(out, fn.name)
		}
	}
	return out
}

// MarshalJSON serializes the flags as a list of labels, the form
// mobile clients consume.
func (e EstimateFlags) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Strings())
}

// UnmarshalJSON accepts the string-list form.
func (e *EstimateFlags) UnmarshalJSON(data []byte) error {
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return err
	}
	var flags EstimateFlags
	for _, label := range labels {
		for _, fn := range flagNames {
			if fn.name == label {
				flags |= fn.flag
			}
		}
	}
	*e = flags
	return nil
}

// fatalEstimateFlags are the flags that preclude a SUCCESS estimate.
const fatalEstimateFlags = FlagInternalError |
	FlagExecutionReverted |
	FlagRateLimited |
	FlagNonceError |
	FlagWalletNotFound |
	FlagExchangeRateUnavailable

// InferSuccess adds SUCCESS unless a fatal flag is present.
func (e EstimateFlags) InferSuccess() EstimateFlags {
	if e&fatalEstimateFlags != 0 {
		return e
	}
	return e | FlagSuccess
}
