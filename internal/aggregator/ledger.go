package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

// activePool loads a pool and checks that it and its chain accept new activity.
func activePool(tx *storage.Tx, chainID, token string) (*storage.Pool, *storage.Chain, error) {
	pool, err := tx.GetPool(chainID, token)
	if err != nil {
		return nil, nil, storageErr(err)
	}
	c, err := tx.GetChain(chainID)
	if err != nil {
		return nil, nil, storageErr(err)
	}
	if !c.Enabled {
		return nil, nil, fmt.Errorf("%w: chain %s is disabled", ErrInactiveResource, chainID)
	}
	if !pool.Active {
		return nil, nil, fmt.Errorf("%w: pool %s is inactive", ErrInactiveResource, poolKeyString(chainID, token))
	}
	return pool, c, nil
}

// AddLiquidity deposits amount of the pool's token from caller into custody
// and credits caller's provider balance.
func (a *Aggregator) AddLiquidity(ctx context.Context, caller, chainID, token string, amount uint64) (*storage.Provider, error) {
	var provider *storage.Provider
	err := a.update(ctx, func(o *op) error {
		p, err := params(o.tx)
		if err != nil {
			return err
		}
		if err := requireRunning(p); err != nil {
			return err
		}
		if err := positiveAmount("amount", amount); err != nil {
			return err
		}

		pool, _, err := activePool(o.tx, chainID, token)
		if err != nil {
			return err
		}
		if amount > pool.MaxReserve || pool.AvailableLiquidity > pool.MaxReserve-amount {
			return invalid("deposit of %d exceeds max reserve %d of pool %s (available %d)",
				amount, pool.MaxReserve, poolKeyString(chainID, token), pool.AvailableLiquidity)
		}

		provider, err = o.tx.GetProvider(chainID, token, caller)
		if errors.Is(err, storage.ErrNotFound) {
			provider = &storage.Provider{ChainID: chainID, Token: token, Provider: caller}
		} else if err != nil {
			return err
		}

		if amount > config.MaxStoredValue-pool.TotalShares {
			return invalid("deposit of %d overflows the shares of pool %s", amount, poolKeyString(chainID, token))
		}

		tok, err := a.caps.Token(pool.TokenContract)
		if err != nil {
			return capabilityErr("resolve token", err)
		}

		if err := o.tx.UpdatePoolLiquidity(chainID, token, pool.AvailableLiquidity+amount, pool.TotalShares+amount); err != nil {
			return err
		}
		provider.LiquidityAmount += amount
		provider.LastDepositBlock = o.block
		if err := o.tx.PutProvider(provider); err != nil {
			return err
		}

		if err := o.emit(EventLiquidityAdded, poolSubject(chainID, token), map[string]interface{}{
			"provider": caller,
			"amount":   amount,
		}); err != nil {
			return err
		}

		return o.settle("deposit transfer", func() error {
			return tok.Transfer(ctx, amount, caller, a.custody)
		})
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("Liquidity added", "pool", poolKeyString(chainID, token), "provider", caller, "amount", amount)
	return provider, nil
}

// RemoveLiquidity withdraws amount from caller's provider balance.
// Inactive pools and disabled chains still allow withdrawal.
func (a *Aggregator) RemoveLiquidity(ctx context.Context, caller, chainID, token string, amount uint64) (*storage.Provider, error) {
	var provider *storage.Provider
	err := a.update(ctx, func(o *op) error {
		p, err := params(o.tx)
		if err != nil {
			return err
		}
		if err := requireRunning(p); err != nil {
			return err
		}
		if err := positiveAmount("amount", amount); err != nil {
			return err
		}

		pool, err := o.tx.GetPool(chainID, token)
		if err != nil {
			return storageErr(err)
		}

		provider, err = o.tx.GetProvider(chainID, token, caller)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s has no liquidity in %s", ErrInsufficientBalance, caller, poolKeyString(chainID, token))
		} else if err != nil {
			return err
		}
		if provider.LiquidityAmount < amount {
			return fmt.Errorf("%w: %s holds %d, requested %d", ErrInsufficientBalance, caller, provider.LiquidityAmount, amount)
		}
		if pool.AvailableLiquidity < amount {
			return fmt.Errorf("%w: pool %s has %d available, requested %d",
				ErrInsufficientLiquidity, poolKeyString(chainID, token), pool.AvailableLiquidity, amount)
		}

		if pool.TotalShares < amount {
			return fmt.Errorf("pool %s has %d shares, withdrawal of %d: provider balances exceed pool shares",
				poolKeyString(chainID, token), pool.TotalShares, amount)
		}

		tok, err := a.caps.Token(pool.TokenContract)
		if err != nil {
			return capabilityErr("resolve token", err)
		}

		if err := o.tx.UpdatePoolLiquidity(chainID, token, pool.AvailableLiquidity-amount, pool.TotalShares-amount); err != nil {
			return err
		}

		block := o.block
		provider.LiquidityAmount -= amount
		provider.LastWithdrawalBlock = &block
		if err := o.tx.PutProvider(provider); err != nil {
			return err
		}

		if err := o.emit(EventLiquidityRemoved, poolSubject(chainID, token), map[string]interface{}{
			"provider": caller,
			"amount":   amount,
		}); err != nil {
			return err
		}

		return o.settle("withdrawal transfer", func() error {
			return tok.Transfer(ctx, amount, a.custody, caller)
		})
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("Liquidity removed", "pool", poolKeyString(chainID, token), "provider", caller, "amount", amount)
	return provider, nil
}

// GetLiquidityProvider returns a provider position, or nil.
func (a *Aggregator) GetLiquidityProvider(ctx context.Context, chainID, token, provider string) (*storage.Provider, error) {
	var p *storage.Provider
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		p, err = optional(tx.GetProvider(chainID, token, provider))
		return err
	})
	return p, err
}

// ListProviders returns every provider of a pool.
func (a *Aggregator) ListProviders(ctx context.Context, chainID, token string) ([]*storage.Provider, error) {
	var providers []*storage.Provider
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		providers, err = tx.ListProviders(chainID, token)
		return err
	})
	return providers, err
}
