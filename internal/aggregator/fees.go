package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

// accrueFee adds an executed swap's fee to the treasury's claimable balance
// for the source pool. The tokens are already in custody.
func accrueFee(o *op, chainID, token string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	fee, err := o.tx.GetProtocolFee(chainID, token)
	if errors.Is(err, storage.ErrNotFound) {
		fee, err = &storage.ProtocolFee{ChainID: chainID, Token: token}, nil
	}
	if err != nil {
		return err
	}
	if amount > config.MaxStoredValue-fee.Accrued {
		return invalid("accrued fees for %s overflow", poolKeyString(chainID, token))
	}
	fee.Accrued += amount
	fee.UpdatedBlock = o.block
	return o.tx.PutProtocolFee(fee)
}

// ClaimProtocolFees pays a pool's accrued protocol fees to the treasury.
// The owner or the treasury may call it.
func (a *Aggregator) ClaimProtocolFees(ctx context.Context, caller, chainID, token string) (*storage.ProtocolFee, error) {
	var claimed *storage.ProtocolFee
	var amount uint64
	err := a.update(ctx, func(o *op) error {
		p, err := params(o.tx)
		if err != nil {
			return err
		}
		if caller != p.Owner && (p.Treasury == "" || caller != p.Treasury) {
			return fmt.Errorf("%w: %s may not claim protocol fees", ErrUnauthorized, caller)
		}
		if p.Treasury == "" {
			return invalid("treasury is not set")
		}

		fee, err := o.tx.GetProtocolFee(chainID, token)
		if err != nil {
			return storageErr(err)
		}
		if fee.Accrued == 0 {
			return invalid("no protocol fees accrued for %s", poolKeyString(chainID, token))
		}
		pool, err := o.tx.GetPool(chainID, token)
		if err != nil {
			return storageErr(err)
		}
		tok, err := a.caps.Token(pool.TokenContract)
		if err != nil {
			return capabilityErr("resolve fee token", err)
		}

		amount = fee.Accrued
		if amount > config.MaxStoredValue-fee.Claimed {
			return invalid("claimed fees for %s overflow", poolKeyString(chainID, token))
		}
		fee.Claimed += amount
		fee.Accrued = 0
		fee.UpdatedBlock = o.block
		if err := o.tx.PutProtocolFee(fee); err != nil {
			return err
		}
		claimed = fee

		if err := o.emit(EventFeesClaimed, poolSubject(chainID, token), map[string]interface{}{
			"caller":   caller,
			"treasury": p.Treasury,
			"amount":   amount,
		}); err != nil {
			return err
		}

		treasury := p.Treasury
		return o.settle("fee transfer", func() error {
			return tok.Transfer(ctx, amount, a.custody, treasury)
		})
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("Protocol fees claimed", "pool", poolKeyString(chainID, token), "amount", amount, "caller", caller)
	return claimed, nil
}

// GetProtocolFee returns a pool's fee balance, or nil if it never earned one.
func (a *Aggregator) GetProtocolFee(ctx context.Context, chainID, token string) (*storage.ProtocolFee, error) {
	var fee *storage.ProtocolFee
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		fee, err = optional(tx.GetProtocolFee(chainID, token))
		return err
	})
	return fee, err
}

// ListProtocolFees returns every pool's fee balance.
func (a *Aggregator) ListProtocolFees(ctx context.Context) ([]*storage.ProtocolFee, error) {
	var fees []*storage.ProtocolFee
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		fees, err = tx.ListProtocolFees()
		return err
	})
	return fees, err
}
