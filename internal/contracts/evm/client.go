// Package evm implements the aggregator capabilities against EVM chains:
// ERC-20 tokens, an escrow adapter built on ERC-20 transfers and a
// Chainlink-style price feed. Calldata is encoded by hand; no generated
// bindings are needed for the handful of methods used.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Errors
var (
	ErrInvalidAddress  = errors.New("invalid EVM address")
	ErrNotSigner       = errors.New("sender is not the configured signer")
	ErrTxReverted      = errors.New("transaction reverted")
	ErrInvalidResponse = errors.New("invalid contract response")
)

// Gas limits for the calls this package sends.
const (
	GasLimitTransfer     = 80000
	GasLimitTransferFrom = 100000
	GasLimitApprove      = 60000
	GasLimitMint         = 100000
)

// Backend is the subset of ethclient.Client used by this package.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client signs and sends contract calls with a single key.
type Client struct {
	backend Backend
	closer  func()
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address

	// WaitReceipts makes every send block until the transaction is mined
	// and fail with ErrTxReverted if it did not succeed.
	WaitReceipts bool
	PollInterval time.Duration
}

// Dial connects to an EVM JSON-RPC endpoint. hexKey may be empty for
// read-only use (price feeds).
func Dial(ctx context.Context, rpcURL, hexKey string) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	c, err := NewClient(ctx, ec, hexKey)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

// NewClient wraps an existing backend.
func NewClient(ctx context.Context, backend Backend, hexKey string) (*Client, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	c := &Client{
		backend:      backend,
		chainID:      chainID,
		PollInterval: 2 * time.Second,
	}

	if hexKey != "" {
		key, err := ParsePrivateKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// Close closes the underlying RPC connection, if Dial opened one.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ChainID returns the chain ID.
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// From returns the signer address, or the zero address for read-only clients.
func (c *Client) From() common.Address {
	return c.from
}

// isSigner reports whether addr is this client's signer.
func (c *Client) isSigner(addr common.Address) bool {
	return c.key != nil && addr == c.from
}

// send signs and submits a call to contract `to`.
func (c *Client) send(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (*types.Transaction, error) {
	if c.key == nil {
		return nil, fmt.Errorf("%w: client is read-only", ErrNotSigner)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	if c.WaitReceipts {
		if err := c.waitReceipt(ctx, signedTx.Hash()); err != nil {
			return signedTx, err
		}
	}
	return signedTx, nil
}

// waitReceipt polls until the transaction is mined.
func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrTxReverted, hash.Hex())
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("failed to get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// call performs a read-only contract call at the latest block.
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{From: c.from, To: &to, Data: data}
	return c.backend.CallContract(ctx, msg, nil)
}

// ParsePrivateKey parses a hex-encoded secp256k1 private key, with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

// ParseAddress validates and parses a hex address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
