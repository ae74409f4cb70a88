package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

// UpdatePrice records a price for a pair with a registered oracle. The owner
// and relayers authorized for the chain may publish prices.
func (a *Aggregator) UpdatePrice(ctx context.Context, caller, chainID, token string, price uint64) error {
	return a.update(ctx, func(o *op) error {
		return a.putPrice(o, caller, chainID, token, price)
	})
}

func (a *Aggregator) putPrice(o *op, caller, chainID, token string, price uint64) error {
	if err := positiveAmount("price", price); err != nil {
		return err
	}
	if _, err := o.tx.GetOracle(chainID, token); err != nil {
		return storageErr(err)
	}

	p, err := params(o.tx)
	if err != nil {
		return err
	}
	if caller != p.Owner {
		r, err := o.tx.GetRelayer(caller)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if r == nil || !r.AuthorizedFor(chainID) {
			return fmt.Errorf("%w: %s may not publish prices for %s", ErrUnauthorized, caller, chainID)
		}
	}

	record := &storage.Price{
		ChainID:      chainID,
		Token:        token,
		Price:        price,
		UpdatedBlock: o.block,
		UpdatedAt:    o.now,
	}
	if err := o.tx.PutPrice(record); err != nil {
		return err
	}

	a.log.Debug("Price updated", "pair", poolKeyString(chainID, token), "price", price, "by", caller)
	return o.emit(EventPriceUpdated, poolSubject(chainID, token), record)
}

// RefreshPrice pulls the current price from the pair's oracle capability and
// records it as the owner.
func (a *Aggregator) RefreshPrice(ctx context.Context, chainID, token string) (uint64, error) {
	var (
		oracle *storage.Oracle
		owner  string
	)
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		if oracle, err = tx.GetOracle(chainID, token); err != nil {
			return storageErr(err)
		}
		p, err := params(tx)
		if err != nil {
			return err
		}
		owner = p.Owner
		return nil
	})
	if err != nil {
		return 0, err
	}

	source, err := a.caps.Oracle(oracle.Oracle)
	if err != nil {
		return 0, capabilityErr("resolve oracle", err)
	}
	price, err := source.GetPrice(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price for %s: %w", poolKeyString(chainID, token), err)
	}

	err = a.update(ctx, func(o *op) error {
		return a.putPrice(o, owner, chainID, token, price)
	})
	if err != nil {
		return 0, err
	}
	return price, nil
}

// GetPrice returns the cached price of a pair, or nil.
func (a *Aggregator) GetPrice(ctx context.Context, chainID, token string) (*storage.Price, error) {
	var p *storage.Price
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		p, err = optional(tx.GetPrice(chainID, token))
		return err
	})
	return p, err
}

// PricesDue returns the oracles whose cached price is missing or at least
// UpdateInterval blocks old.
func (a *Aggregator) PricesDue(ctx context.Context) ([]*storage.Oracle, error) {
	block, err := a.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}

	var due []*storage.Oracle
	err = a.view(ctx, func(tx *storage.Tx) error {
		oracles, err := tx.ListOracles()
		if err != nil {
			return err
		}
		for _, o := range oracles {
			p, err := tx.GetPrice(o.ChainID, o.Token)
			if errors.Is(err, storage.ErrNotFound) {
				due = append(due, o)
				continue
			}
			if err != nil {
				return err
			}
			if block >= p.UpdatedBlock && block-p.UpdatedBlock >= o.UpdateInterval {
				due = append(due, o)
			}
		}
		return nil
	})
	return due, err
}
