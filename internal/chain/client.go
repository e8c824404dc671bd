// Package chain wraps the Ethereum JSON-RPC client behind an interface
// so services and tests do not depend on a live node.
package chain

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// Client is the subset of node operations the payment pipeline needs.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call CallMsg) (uint64, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// CallMsg carries the fields needed for gas estimation.
type CallMsg struct {
	From  common.Address
	To    *common.Address
	Value *big.Int
	Data  []byte
}

// EthClient adapts go-ethereum's ethclient to the Client interface.
type EthClient struct {
	inner *ethclient.Client
}

// Dial connects to the node at rpcURL.
func Dial(ctx context.Context, rpcURL string) (*EthClient, error) {
	inner, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to rpc endpoint %s", rpcURL)
	}
	return &EthClient{inner: inner}, nil
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	return c.inner.ChainID(ctx)
}

func (c *EthClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return c.inner.BalanceAt(ctx, account, blockNumber)
}

func (c *EthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.inner.PendingNonceAt(ctx, account)
}

func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.inner.SuggestGasPrice(ctx)
}

func (c *EthClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return c.inner.SuggestGasTipCap(ctx)
}

func (c *EthClient) EstimateGas(ctx context.Context, call CallMsg) (uint64, error) {
	return c.inner.EstimateGas(ctx, ethereum.CallMsg{
		From:  call.From,
		To:    call.To,
		Value: call.Value,
		Data:  call.Data,
	})
}

// SendRawTransaction decodes and submits a signed raw transaction,
// returning its hash.
func (c *EthClient) SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error) {
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to decode raw transaction")
	}
	if err := c.inner.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (c *EthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	return c.inner.TransactionReceipt(ctx, txHash)
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.inner.BlockNumber(ctx)
}

// Close releases the underlying RPC connection.
func (c *EthClient) Close() {
	c.inner.Close()
}
