package types

import (
	"math/big"
	"time"
)

// UnsignedTransaction is the server-issued, immutable template a client
// signs. Numeric fields are strings: mobile clients cannot represent
// wei-scale numbers natively. Once issued, no field is ever mutated; a
// signed payload that diverges from its template is rejected outright.
type UnsignedTransaction struct {
	TransactionID        string    `json:"transaction_id"`
	TxType               uint8     `json:"tx_type"` // EIP-1559 = 2
	To                   string    `json:"to"`
	AmountBaseUnits      string    `json:"amount_base_units"`
	GasLimit             string    `json:"gas_limit"`
	GasPrice             string    `json:"gas_price"`
	MaxFeePerGas         string    `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string    `json:"max_priority_fee_per_gas"`
	Nonce                string    `json:"nonce"`
	ChainID              string    `json:"chain_id"`
	TokenType            TokenType `json:"token_type"`
	TokenDecimals        uint8     `json:"token_decimals"`
}

// Leg is one of the two on-chain transfers composing a bundle.
type Leg struct {
	Kind          LegKind              `json:"kind"`
	Status        LegStatus            `json:"status"`
	Nonce         *uint64              `json:"nonce,omitempty"`
	Unsigned      *UnsignedTransaction `json:"unsigned,omitempty"`
	SignedPayload string               `json:"signed_payload,omitempty"`
	ChainTxHash   string               `json:"chain_tx_hash,omitempty"`
	BlockNumber   uint64               `json:"block_number,omitempty"`
	RetryCount    int                  `json:"retry_count"`
	LastError     string               `json:"last_error,omitempty"`
}

// TransactionBundle is one user-initiated payment intent: a recipient
// transfer plus a platform fee transfer presented as one logical
// transaction. Amounts are fixed when the unsigned templates are
// issued; the bundle status is always derived from the leg pair.
type TransactionBundle struct {
	TransactionID    string    `json:"transaction_id"`
	UserID           string    `json:"user_id"`
	SenderAddress    string    `json:"sender_address"`
	RecipientAddress string    `json:"recipient_address"`
	FeeWalletAddress string    `json:"fee_wallet_address"`
	TokenType        TokenType `json:"token_type"`
	ChainID          uint64    `json:"chain_id"`

	FiatAmountMinor int64     `json:"fiat_amount_minor"`
	FiatCurrency    string    `json:"fiat_currency"`
	WeiAmount       *big.Int  `json:"wei_amount"`
	ServiceFeeWei   *big.Int  `json:"service_fee_wei"`
	NetworkFeeWei   *big.Int  `json:"network_fee_wei"`
	ExchangeRate    float64   `json:"exchange_rate"`
	RateExpiry      time.Time `json:"rate_expiry"`

	Main *Leg `json:"main"`
	Fee  *Leg `json:"fee"`

	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Leg returns the leg of the given kind.
func (b *TransactionBundle) Leg(kind LegKind) *Leg {
	if kind == LegFee {
		return b.Fee
	}
	return b.Main
}

// Status derives the bundle status and fee-failed flag from the legs.
func (b *TransactionBundle) Status() (BundleStatus, bool) {
	return DeriveBundleStatus(b.Main.Status, b.Fee.Status)
}

// Clone returns a deep copy, safe to mutate without aliasing the
// snapshot held by an already-appended event.
func (b *TransactionBundle) Clone() *TransactionBundle {
	cp := *b
	if b.WeiAmount != nil {
		cp.WeiAmount = new(big.Int).Set(b.WeiAmount)
	}
	if b.ServiceFeeWei != nil {
		cp.ServiceFeeWei = new(big.Int).Set(b.ServiceFeeWei)
	}
	if b.NetworkFeeWei != nil {
		cp.NetworkFeeWei = new(big.Int).Set(b.NetworkFeeWei)
	}
	cp.Main = cloneLeg(b.Main)
	cp.Fee = cloneLeg(b.Fee)
	return &cp
}

func cloneLeg(l *Leg) *Leg {
	if l == nil {
		return nil
	}
	cp := *l
	if l.Nonce != nil {
		n := *l.Nonce
		cp.Nonce = &n
	}
	if l.Unsigned != nil {
		u := *l.Unsigned
		cp.Unsigned = &u
	}
	return &cp
}
