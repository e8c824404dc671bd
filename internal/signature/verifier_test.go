package signature

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/payrail/payrail-api/internal/types"
)

const chainID = 11155420

func newSignedTx(t *testing.T, tx *ethtypes.DynamicFeeTx) (string, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	signed, err := ethtypes.SignNewTx(key, ethtypes.LatestSignerForChainID(tx.ChainID), tx)
	require.NoError(t, err)

	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	return hexutil.Encode(raw), crypto.PubkeyToAddress(key.PublicKey)
}

func baseTx() *ethtypes.DynamicFeeTx {
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	return &ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(chainID),
		Nonce:     7,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(20_000_000_000),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(1_000_000_000_000_000),
	}
}

func templateFor(tx *ethtypes.DynamicFeeTx) *types.UnsignedTransaction {
	return &types.UnsignedTransaction{
		TransactionID:        "tx-1",
		TxType:               2,
		To:                   tx.To.Hex(),
		AmountBaseUnits:      tx.Value.String(),
		GasLimit:             "21000",
		GasPrice:             "10000000000",
		MaxFeePerGas:         tx.GasFeeCap.String(),
		MaxPriorityFeePerGas: tx.GasTipCap.String(),
		Nonce:                "7",
		ChainID:              big.NewInt(chainID).String(),
		TokenType:            types.TokenETH,
		TokenDecimals:        18,
	}
}

func TestVerifyAcceptsMatchingPayload(t *testing.T) {
	tx := baseTx()
	payload, sender := newSignedTx(t, tx)

	decoded, err := NewVerifier().Verify(payload, templateFor(tx), sender.Hex())
	require.NoError(t, err)
	require.Equal(t, uint64(7), decoded.Nonce())
}

func TestVerifyAcceptsUnprefixedHex(t *testing.T) {
	tx := baseTx()
	payload, sender := newSignedTx(t, tx)

	_, err := NewVerifier().Verify(payload[2:], templateFor(tx), sender.Hex())
	require.NoError(t, err)
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tx *ethtypes.DynamicFeeTx)
	}{
		{"amount raised", func(tx *ethtypes.DynamicFeeTx) {
			tx.Value = new(big.Int).Add(tx.Value, big.NewInt(1))
		}},
		{"recipient swapped", func(tx *ethtypes.DynamicFeeTx) {
			to := common.HexToAddress("0x4444444444444444444444444444444444444444")
			tx.To = &to
		}},
		{"nonce shifted", func(tx *ethtypes.DynamicFeeTx) {
			tx.Nonce = 8
		}},
		{"gas limit raised", func(tx *ethtypes.DynamicFeeTx) {
			tx.Gas = 50000
		}},
		{"fee cap raised", func(tx *ethtypes.DynamicFeeTx) {
			tx.GasFeeCap = new(big.Int).Mul(tx.GasFeeCap, big.NewInt(2))
		}},
		{"tip cap raised", func(tx *ethtypes.DynamicFeeTx) {
			tx.GasTipCap = new(big.Int).Add(tx.GasTipCap, big.NewInt(1))
		}},
		{"calldata injected", func(tx *ethtypes.DynamicFeeTx) {
			tx.Data = []byte{0xde, 0xad}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			template := templateFor(baseTx())
			tampered := baseTx()
			tt.mutate(tampered)
			payload, sender := newSignedTx(t, tampered)

			_, err := NewVerifier().Verify(payload, template, sender.Hex())
			require.ErrorIs(t, err, ErrSignatureMismatch)
		})
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	tx := baseTx()
	payload, _ := newSignedTx(t, tx)

	_, err := NewVerifier().Verify(payload, templateFor(tx), "0x5555555555555555555555555555555555555555")
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyRejectsWrongChain(t *testing.T) {
	tx := baseTx()
	tx.ChainID = big.NewInt(1)
	payload, sender := newSignedTx(t, tx)

	_, err := NewVerifier().Verify(payload, templateFor(baseTx()), sender.Hex())
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	tx := baseTx()
	_, err := NewVerifier().Verify("0xnothex", templateFor(tx), "0x5555555555555555555555555555555555555555")
	require.ErrorIs(t, err, ErrSignatureMismatch)

	_, err = NewVerifier().Verify("0xdeadbeef", templateFor(tx), "0x5555555555555555555555555555555555555555")
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyRejectsLegacyTxType(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	legacy := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    7,
		GasPrice: big.NewInt(10_000_000_000),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(1_000_000_000_000_000),
	})
	signed, err := ethtypes.SignTx(legacy, ethtypes.LatestSignerForChainID(big.NewInt(chainID)), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	_, err = NewVerifier().Verify(hexutil.Encode(raw), templateFor(baseTx()), crypto.PubkeyToAddress(key.PublicKey).Hex())
	require.ErrorIs(t, err, ErrSignatureMismatch)
}
