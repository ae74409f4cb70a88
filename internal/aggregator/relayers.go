package aggregator

import (
	"context"
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

// relayer loads caller's relayer record; unknown principals are unauthorized.
func relayer(tx *storage.Tx, caller string) (*storage.Relayer, error) {
	r, err := tx.GetRelayer(caller)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s is not a relayer", ErrUnauthorized, caller)
	}
	return r, err
}

// StakeAsRelayer adds amount to caller's relayer stake. With a stake token
// configured the amount moves from caller into custody.
func (a *Aggregator) StakeAsRelayer(ctx context.Context, caller string, amount uint64) (*storage.Relayer, error) {
	var r *storage.Relayer
	err := a.update(ctx, func(o *op) error {
		var err error
		if r, err = relayer(o.tx, caller); err != nil {
			return err
		}
		if err := positiveAmount("stake amount", amount); err != nil {
			return err
		}
		if amount > config.MaxStoredValue-r.StakeAmount {
			return invalid("stake of %d on top of %d exceeds %d", amount, r.StakeAmount, uint64(config.MaxStoredValue))
		}

		r.StakeAmount += amount
		if err := o.tx.UpdateRelayerStake(caller, r.StakeAmount); err != nil {
			return storageErr(err)
		}
		if err := o.emit(EventRelayerStaked, relayerSubject(caller), map[string]uint64{
			"amount": amount,
			"stake":  r.StakeAmount,
		}); err != nil {
			return err
		}

		return a.settleStake(ctx, o, "stake transfer", amount, caller, a.custody)
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("Relayer staked", "relayer", caller, "amount", amount, "stake", r.StakeAmount)
	return r, nil
}

// UnstakeAsRelayer withdraws amount from caller's relayer stake.
func (a *Aggregator) UnstakeAsRelayer(ctx context.Context, caller string, amount uint64) (*storage.Relayer, error) {
	var r *storage.Relayer
	err := a.update(ctx, func(o *op) error {
		var err error
		if r, err = relayer(o.tx, caller); err != nil {
			return err
		}
		if amount == 0 {
			return invalid("unstake amount must be positive")
		}
		if amount > r.StakeAmount {
			return fmt.Errorf("%w: stake %d, requested %d", ErrInsufficientBalance, r.StakeAmount, amount)
		}

		r.StakeAmount -= amount
		if err := o.tx.UpdateRelayerStake(caller, r.StakeAmount); err != nil {
			return storageErr(err)
		}
		if err := o.emit(EventRelayerUnstaked, relayerSubject(caller), map[string]uint64{
			"amount": amount,
			"stake":  r.StakeAmount,
		}); err != nil {
			return err
		}

		return a.settleStake(ctx, o, "unstake transfer", amount, a.custody, caller)
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("Relayer unstaked", "relayer", caller, "amount", amount, "stake", r.StakeAmount)
	return r, nil
}

// settleStake moves stake tokens when a stake token is configured.
func (a *Aggregator) settleStake(ctx context.Context, o *op, name string, amount uint64, from, to string) error {
	if a.stakeToken == "" {
		return nil
	}
	tok, err := a.caps.Token(a.stakeToken)
	if err != nil {
		return capabilityErr("resolve stake token", err)
	}
	return o.settle(name, func() error {
		return tok.Transfer(ctx, amount, from, to)
	})
}
