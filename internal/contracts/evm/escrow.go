package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-liquidity/internal/chain"
)

// EscrowAdapter is a chain.Adapter for an EVM chain. Locked funds move into
// the custody address with ERC-20 transfers; releases move them back out.
type EscrowAdapter struct {
	client *Client
	tokens map[string]*ERC20Token
}

// NewEscrowAdapter creates an adapter over the given token symbol to
// contract address table.
func NewEscrowAdapter(client *Client, tokens map[string]common.Address) *EscrowAdapter {
	a := &EscrowAdapter{client: client, tokens: make(map[string]*ERC20Token, len(tokens))}
	for symbol, addr := range tokens {
		a.tokens[symbol] = NewERC20Token(client, addr)
	}
	return a
}

func (a *EscrowAdapter) token(symbol string) (*ERC20Token, error) {
	t, ok := a.tokens[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no contract for token %s", chain.ErrUnknownCapability, symbol)
	}
	return t, nil
}

func (a *EscrowAdapter) LockFunds(ctx context.Context, token string, amount uint64, sender, recipient string) error {
	t, err := a.token(token)
	if err != nil {
		return err
	}
	return t.Transfer(ctx, amount, sender, recipient)
}

func (a *EscrowAdapter) ReleaseFunds(ctx context.Context, token string, amount uint64, sender, recipient string) error {
	t, err := a.token(token)
	if err != nil {
		return err
	}
	return t.Transfer(ctx, amount, sender, recipient)
}

var _ chain.Adapter = (*EscrowAdapter)(nil)
