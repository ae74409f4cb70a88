package aggregator

import (
	"context"

	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

// Initialize sets the treasury and marks the protocol initialized. It runs once.
func (a *Aggregator) Initialize(ctx context.Context, caller, treasury string) error {
	return a.update(ctx, func(o *op) error {
		p, err := requireOwner(o.tx, caller)
		if err != nil {
			return err
		}
		if p.Initialized {
			return storageErr(storage.ErrAlreadyExists)
		}
		if treasury == "" {
			return invalid("treasury is required")
		}

		p.Treasury = treasury
		p.Initialized = true
		p.UpdatedBlock = o.block
		if err := o.tx.PutParams(p); err != nil {
			return err
		}

		a.log.Info("Protocol initialized", "owner", p.Owner, "treasury", treasury)
		return o.emit(EventProtocolInitialized, protocolSubject(), p)
	})
}

// setParam applies change to the parameters as the owner and records the
// new values.
func (a *Aggregator) setParam(ctx context.Context, caller, name string, change func(p *storage.Params) error) error {
	return a.update(ctx, func(o *op) error {
		p, err := requireOwner(o.tx, caller)
		if err != nil {
			return err
		}
		if err := change(p); err != nil {
			return err
		}
		p.UpdatedBlock = o.block
		if err := o.tx.PutParams(p); err != nil {
			return err
		}

		a.log.Info("Protocol parameter updated", "param", name)
		return o.emit(EventParamsUpdated, protocolSubject(), map[string]interface{}{
			"param":  name,
			"params": p,
		})
	})
}

// SetProtocolFee sets the fee charged on executed swaps.
func (a *Aggregator) SetProtocolFee(ctx context.Context, caller string, bps uint16) error {
	return a.setParam(ctx, caller, "protocol_fee_bps", func(p *storage.Params) error {
		if bps > config.MaxProtocolFeeBps {
			return invalid("protocol fee %d bps exceeds %d", bps, config.MaxProtocolFeeBps)
		}
		p.ProtocolFeeBps = bps
		return nil
	})
}

// SetMaxSlippage sets the tolerated drop from a route's recorded estimate.
func (a *Aggregator) SetMaxSlippage(ctx context.Context, caller string, bps uint16) error {
	return a.setParam(ctx, caller, "max_slippage_bps", func(p *storage.Params) error {
		if bps > config.MaxSlippageBps {
			return invalid("max slippage %d bps exceeds %d", bps, config.MaxSlippageBps)
		}
		p.MaxSlippageBps = bps
		return nil
	})
}

// SetTreasury changes the fee recipient.
func (a *Aggregator) SetTreasury(ctx context.Context, caller, treasury string) error {
	return a.setParam(ctx, caller, "treasury", func(p *storage.Params) error {
		if treasury == "" {
			return invalid("treasury is required")
		}
		p.Treasury = treasury
		return nil
	})
}

// SetDefaultTimeout sets the timeout used by swaps initiated without one.
func (a *Aggregator) SetDefaultTimeout(ctx context.Context, caller string, blocks uint64) error {
	return a.setParam(ctx, caller, "default_timeout_blocks", func(p *storage.Params) error {
		if blocks == 0 {
			return invalid("default timeout must be positive")
		}
		if blocks > config.MaxTimeoutBlocks {
			return invalid("default timeout of %d blocks exceeds %d", blocks, config.MaxTimeoutBlocks)
		}
		p.DefaultTimeoutBlocks = blocks
		return nil
	})
}

// SetEmergencyShutdown halts or resumes deposits, withdrawals, initiations
// and executions. Refunds stay available.
func (a *Aggregator) SetEmergencyShutdown(ctx context.Context, caller string, active bool) error {
	return a.update(ctx, func(o *op) error {
		p, err := requireOwner(o.tx, caller)
		if err != nil {
			return err
		}
		p.EmergencyShutdown = active
		p.UpdatedBlock = o.block
		if err := o.tx.PutParams(p); err != nil {
			return err
		}

		if active {
			a.log.Warn("Emergency shutdown activated", "by", caller)
		} else {
			a.log.Info("Emergency shutdown lifted", "by", caller)
		}
		return o.emit(EventEmergencyShutdown, protocolSubject(), map[string]bool{"active": active})
	})
}

// GetParams returns the protocol parameters.
func (a *Aggregator) GetParams(ctx context.Context) (*storage.Params, error) {
	var p *storage.Params
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		p, err = params(tx)
		return err
	})
	return p, err
}
