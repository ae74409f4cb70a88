package backend

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMBackend reads block numbers from an EVM JSON-RPC node.
type EVMBackend struct {
	client *ethclient.Client
}

// DialEVM connects to an EVM node.
func DialEVM(ctx context.Context, rpcURL string) (*EVMBackend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return &EVMBackend{client: client}, nil
}

// Type returns TypeEVM.
func (e *EVMBackend) Type() Type {
	return TypeEVM
}

// BlockHeight returns the latest block number.
func (e *EVMBackend) BlockHeight(ctx context.Context) (uint64, error) {
	return e.client.BlockNumber(ctx)
}

func (e *EVMBackend) Close() error {
	e.client.Close()
	return nil
}

var _ HeightSource = (*EVMBackend)(nil)
