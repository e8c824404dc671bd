package types

import "time"

// EstimateRequest asks what a fiat-denominated payment would cost on
// chain right now.
type EstimateRequest struct {
	TokenType        TokenType `json:"token_type"`
	SenderAddress    string    `json:"sender_address"`
	RecipientAddress string    `json:"recipient_address"`
	FiatAmountMinor  int64     `json:"fiat_amount"`
	FiatCurrency     string    `json:"fiat_currency"`
}

// FeeBreakdown itemizes the platform and network fees of an estimate.
type FeeBreakdown struct {
	ServiceFeeWei string `json:"service_fee_wei"`
	ServiceFeeETH string `json:"service_fee_eth"`
	NetworkFeeWei string `json:"network_fee_wei"`
	NetworkFeeETH string `json:"network_fee_eth"`
	TotalFeeWei   string `json:"total_fee_wei"`
	TotalFeeETH   string `json:"total_fee_eth"`
}

// GasPricing carries the gas figures of an estimate, stringified for
// client compatibility.
type GasPricing struct {
	EstimatedGas         string `json:"estimated_gas"`
	GasPrice             string `json:"gas_price"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas"`
}

// EstimateResponse is the full quote returned to the client.
type EstimateResponse struct {
	TokenType       TokenType `json:"token_type"`
	FiatAmountMinor int64     `json:"fiat_amount_minor"`
	FiatCurrency    string    `json:"fiat_currency"`
	EthAmount       string    `json:"eth_amount"`
	WeiAmount       string    `json:"wei_amount"`

	Fees FeeBreakdown `json:"fees"`
	Gas  GasPricing   `json:"gas"`

	ExchangeRate          float64   `json:"exchange_rate"`
	ExchangeRateExpiresAt time.Time `json:"exchange_rate_expires_at"`

	RecipientAddress string        `json:"recipient_address"`
	Status           EstimateFlags `json:"status"`
	Message          string        `json:"message,omitempty"`
}

// InitiateRequest creates a logical transaction from a previously
// quoted estimate. The server re-derives and fixes all amounts; the
// client-echoed figures are validated, never trusted.
type InitiateRequest struct {
	SenderAddress     string     `json:"sender_address"`
	RecipientAddress  string     `json:"recipient_address"`
	FiatAmountMinor   int64      `json:"fiat_amount"`
	FiatCurrency      string     `json:"fiat_currency"`
	TokenType         TokenType  `json:"token_type"`
	WeiAmount         string     `json:"wei_amount"`
	ExchangeRate      float64    `json:"exchange_rate"`
	ServiceFeeWei     string     `json:"service_fee_wei"`
	NetworkFeeWei     string     `json:"network_fee_wei"`
	Gas               GasPricing `json:"gas"`
	Message           string     `json:"message,omitempty"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`

	// Populated from the authenticated request, never from the body.
	UserID      string `json:"-"`
	BearerToken string `json:"-"`
}

// UnsignedTransactionPair is what initiate returns: the two immutable
// templates awaiting the client's signature.
type UnsignedTransactionPair struct {
	TransactionID string              `json:"transaction_id"`
	Main          UnsignedTransaction `json:"main"`
	Fee           UnsignedTransaction `json:"fee"`
}

// CommitRequest submits the client-signed payloads for both legs.
type CommitRequest struct {
	TransactionID string `json:"transaction_id"`
	MainSignedTx  string `json:"main_signed_tx"` // raw RLP hex
	FeeSignedTx   string `json:"fee_signed_tx"`  // raw RLP hex

	UserID string `json:"-"`
}

// StatusView is the client-facing projection of a bundle's state,
// folded from its event stream on demand. A fee-leg failure after the
// recipient payment confirmed is an internal accounting matter and is
// not reflected here: the sender sees the recipient leg's outcome.
type StatusView struct {
	TransactionID string       `json:"transaction_id"`
	BundleStatus  BundleStatus `json:"bundle_status"`
	MainStatus    LegStatus    `json:"main_status"`
	MainTxHash    string       `json:"main_tx_hash,omitempty"`
	FiatAmount    int64        `json:"fiat_amount_minor"`
	FiatCurrency  string       `json:"fiat_currency"`
	WeiAmount     string       `json:"wei_amount"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
