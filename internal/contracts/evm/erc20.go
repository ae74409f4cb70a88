package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-liquidity/internal/chain"
)

// ERC20Token is an ERC-20 contract reachable through a Client.
// Transfers whose sender is the client's signer use transfer; any other
// sender uses transferFrom and needs a prior allowance for the signer.
type ERC20Token struct {
	client  *Client
	address common.Address
}

// NewERC20Token binds a token contract.
func NewERC20Token(client *Client, address common.Address) *ERC20Token {
	return &ERC20Token{client: client, address: address}
}

// Address returns the contract address.
func (t *ERC20Token) Address() common.Address {
	return t.address
}

func (t *ERC20Token) Transfer(ctx context.Context, amount uint64, sender, recipient string) error {
	from, err := ParseAddress(sender)
	if err != nil {
		return err
	}
	to, err := ParseAddress(recipient)
	if err != nil {
		return err
	}

	if t.client.isSigner(from) {
		_, err = t.client.send(ctx, t.address, encodeCall(selectorTransfer, addressWord(to), amountWord(amount)), GasLimitTransfer)
	} else {
		_, err = t.client.send(ctx, t.address,
			encodeCall(selectorTransferFrom, addressWord(from), addressWord(to), amountWord(amount)), GasLimitTransferFrom)
	}
	if err != nil {
		return fmt.Errorf("erc20 %s transfer: %w", t.address.Hex(), err)
	}
	return nil
}

// Approve sets spender's allowance. Only the signer can approve.
func (t *ERC20Token) Approve(ctx context.Context, owner, spender string, amount uint64) error {
	ownerAddr, err := ParseAddress(owner)
	if err != nil {
		return err
	}
	if !t.client.isSigner(ownerAddr) {
		return fmt.Errorf("%w: %s", ErrNotSigner, owner)
	}
	spenderAddr, err := ParseAddress(spender)
	if err != nil {
		return err
	}

	_, err = t.client.send(ctx, t.address, encodeCall(selectorApprove, addressWord(spenderAddr), amountWord(amount)), GasLimitApprove)
	if err != nil {
		return fmt.Errorf("erc20 %s approve: %w", t.address.Hex(), err)
	}
	return nil
}

// Mint calls mint(address,uint256); the signer must hold the minter role.
func (t *ERC20Token) Mint(ctx context.Context, recipient string, amount uint64) error {
	to, err := ParseAddress(recipient)
	if err != nil {
		return err
	}
	_, err = t.client.send(ctx, t.address, encodeCall(selectorMint, addressWord(to), amountWord(amount)), GasLimitMint)
	if err != nil {
		return fmt.Errorf("erc20 %s mint: %w", t.address.Hex(), err)
	}
	return nil
}

// BalanceOf returns the token balance of owner.
func (t *ERC20Token) BalanceOf(ctx context.Context, owner common.Address) (uint64, error) {
	out, err := t.client.call(ctx, t.address, encodeCall(selectorBalanceOf, addressWord(owner)))
	if err != nil {
		return 0, err
	}
	return decodeUint64Word(out, 0)
}

// Decimals returns the token's decimals.
func (t *ERC20Token) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.client.call(ctx, t.address, selectorDecimals)
	if err != nil {
		return 0, err
	}
	d, err := decodeUint64Word(out, 0)
	if err != nil {
		return 0, err
	}
	if d > 255 {
		return 0, fmt.Errorf("%w: decimals %d", ErrInvalidResponse, d)
	}
	return uint8(d), nil
}

var _ chain.Token = (*ERC20Token)(nil)
