// Package signature checks client-signed raw transactions against the
// unsigned templates the server issued. Verification is all-or-nothing:
// any divergence from the template, or a recovered signer other than
// the bundle's sender, rejects the payload.
package signature

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/payrail/payrail-api/internal/types"
)

// ErrSignatureMismatch is the single rejection outcome. The wrapped
// detail is logged server-side; clients only see the mismatch.
var ErrSignatureMismatch = errors.New("signed payload does not match issued transaction")

// Verifier validates signed payloads against their templates.
type Verifier struct{}

// NewVerifier creates a Verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify decodes the hex-encoded signed payload, checks every field
// against the template, and confirms the recovered signer is the
// expected sender. Returns the decoded transaction on success.
func (v *Verifier) Verify(signedPayload string, template *types.UnsignedTransaction, sender string) (*ethtypes.Transaction, error) {
	raw, err := hexutil.Decode(ensureHexPrefix(signedPayload))
	if err != nil {
		return nil, errors.Wrap(ErrSignatureMismatch, "payload is not valid hex")
	}

	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, errors.Wrap(ErrSignatureMismatch, "payload is not a valid transaction")
	}

	if tx.Type() != template.TxType {
		return nil, errors.Wrapf(ErrSignatureMismatch, "tx type %d, expected %d", tx.Type(), template.TxType)
	}

	chainID, ok := new(big.Int).SetString(template.ChainID, 10)
	if !ok {
		return nil, errors.Wrapf(ErrSignatureMismatch, "template chain id %q is not numeric", template.ChainID)
	}
	if tx.ChainId().Cmp(chainID) != 0 {
		return nil, errors.Wrapf(ErrSignatureMismatch, "chain id %s, expected %s", tx.ChainId(), chainID)
	}

	if tx.To() == nil {
		return nil, errors.Wrap(ErrSignatureMismatch, "contract creation is not permitted")
	}
	if !strings.EqualFold(tx.To().Hex(), template.To) {
		return nil, errors.Wrapf(ErrSignatureMismatch, "recipient %s, expected %s", tx.To().Hex(), template.To)
	}

	if err := compareBig("amount", tx.Value(), template.AmountBaseUnits); err != nil {
		return nil, err
	}
	if err := compareUint("gas limit", tx.Gas(), template.GasLimit); err != nil {
		return nil, err
	}
	if err := compareUint("nonce", tx.Nonce(), template.Nonce); err != nil {
		return nil, err
	}
	if err := compareBig("max fee per gas", tx.GasFeeCap(), template.MaxFeePerGas); err != nil {
		return nil, err
	}
	if err := compareBig("max priority fee per gas", tx.GasTipCap(), template.MaxPriorityFeePerGas); err != nil {
		return nil, err
	}
	if len(tx.Data()) != 0 && template.TokenType == types.TokenETH {
		return nil, errors.Wrap(ErrSignatureMismatch, "unexpected calldata on native transfer")
	}

	signer, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return nil, errors.Wrap(ErrSignatureMismatch, "failed to recover signer")
	}
	if signer != common.HexToAddress(sender) {
		return nil, errors.Wrapf(ErrSignatureMismatch, "signer %s, expected %s", signer.Hex(), sender)
	}

	return tx, nil
}

func compareBig(field string, got *big.Int, want string) error {
	expected, ok := new(big.Int).SetString(want, 10)
	if !ok {
		return errors.Wrapf(ErrSignatureMismatch, "template %s %q is not numeric", field, want)
	}
	if got.Cmp(expected) != 0 {
		return errors.Wrapf(ErrSignatureMismatch, "%s %s, expected %s", field, got, expected)
	}
	return nil
}

func compareUint(field string, got uint64, want string) error {
	expected, ok := new(big.Int).SetString(want, 10)
	if !ok {
		return errors.Wrapf(ErrSignatureMismatch, "template %s %q is not numeric", field, want)
	}
	if !expected.IsUint64() || got != expected.Uint64() {
		return errors.Wrapf(ErrSignatureMismatch, "%s %d, expected %s", field, got, expected)
	}
	return nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
