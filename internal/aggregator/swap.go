package aggregator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
	"github.com/klingon-exchange/klingon-liquidity/pkg/helpers"
)

// SwapRequest holds the parameters of a swap initiation.
type SwapRequest struct {
	SourceChain string        `json:"source_chain"`
	SourceToken string        `json:"source_token"`
	Amount      uint64        `json:"amount"`
	TargetChain string        `json:"target_chain"`
	TargetToken string        `json:"target_token"`
	Recipient   string        `json:"recipient"`
	HashLock    []byte        `json:"-"`
	Path        []storage.Hop `json:"path"`

	// TimeoutBlocks of 0 selects the protocol default.
	TimeoutBlocks uint64 `json:"timeout_blocks"`

	// RouteID, when non-zero, binds the swap to a planner route for
	// slippage revalidation.
	RouteID uint64 `json:"route_id,omitempty"`
}

// pathNodes validates a caller-supplied path hop by hop and returns the
// priced nodes. Every hop's pool must be active on an enabled chain and
// consecutive hops must be linked by a token mapping.
func pathNodes(tx *storage.Tx, o *op, path []storage.Hop) ([]*node, error) {
	nodes := make([]*node, 0, len(path))
	seen := make(map[poolKey]bool, len(path))

	for i, h := range path {
		key := poolKey{h.Chain, h.Token}
		if seen[key] {
			return nil, invalid("path visits %s twice", key)
		}
		seen[key] = true

		pool, c, err := activePool(tx, h.Chain, h.Token)
		if err != nil {
			return nil, err
		}
		if h.Pool != "" && h.Pool != pool.TokenContract {
			return nil, invalid("hop %d pool %q does not match %s contract %q", i, h.Pool, key, pool.TokenContract)
		}

		if i > 0 {
			prev := path[i-1]
			m, err := tx.GetTokenMapping(prev.Chain, prev.Token, h.Chain)
			if err != nil || m.TargetToken != h.Token {
				return nil, fmt.Errorf("%w: no mapping from %s/%s to %s", ErrRouteUnavailable, prev.Chain, prev.Token, key)
			}
		}

		price, ok, err := usablePrice(tx, h.Chain, h.Token, o.now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: no usable price for %s", ErrRouteUnavailable, key)
		}

		nodes = append(nodes, &node{key: key, pool: pool, chain: c, price: price, traversable: true})
	}
	return nodes, nil
}

// checkRoute revalidates a planner route against the supplied path and
// current prices.
func (a *Aggregator) checkRoute(o *op, p *storage.Params, req *SwapRequest, nodes []*node) error {
	route, err := o.tx.GetRoute(req.RouteID)
	if err != nil {
		return storageErr(err)
	}
	if a.routeTTL > 0 && o.block > route.CreatedBlock+a.routeTTL {
		return fmt.Errorf("%w: route %d expired at block %d", ErrRouteUnavailable, route.RouteID, route.CreatedBlock+a.routeTTL)
	}

	digest := PathDigest(req.Path)
	if hex.EncodeToString(digest[:]) != route.PathDigest {
		return invalid("path does not match route %d", route.RouteID)
	}

	current, _, err := estimate(nodes, req.Amount)
	if err != nil {
		return err
	}
	expected, err := config.MulDiv(route.EstimatedOutput, req.Amount, route.Amount)
	if err != nil {
		return invalid("route %d estimate overflow", route.RouteID)
	}
	minimum := config.DeductBps(expected, uint64(p.MaxSlippageBps))
	if current < minimum {
		return fmt.Errorf("%w: output %d below slippage floor %d for route %d",
			ErrRouteUnavailable, current, minimum, route.RouteID)
	}
	return nil
}

// InitiateSwap locks amount of the source token in escrow and records a
// pending swap redeemable with the preimage of the hash lock.
func (a *Aggregator) InitiateSwap(ctx context.Context, caller string, req SwapRequest) (*storage.Swap, error) {
	var swap *storage.Swap
	err := a.update(ctx, func(o *op) error {
		p, err := params(o.tx)
		if err != nil {
			return err
		}
		if err := requireRunning(p); err != nil {
			return err
		}

		if err := positiveAmount("amount", req.Amount); err != nil {
			return err
		}
		if req.TimeoutBlocks > config.MaxTimeoutBlocks {
			return invalid("timeout of %d blocks exceeds %d", req.TimeoutBlocks, config.MaxTimeoutBlocks)
		}
		if err := storable("route id", req.RouteID); err != nil {
			return err
		}
		if len(req.HashLock) != config.HashLockSize {
			return invalid("hash lock must be %d bytes, got %d", config.HashLockSize, len(req.HashLock))
		}
		if req.Recipient == "" {
			return invalid("recipient is required")
		}
		if req.SourceChain == req.TargetChain && req.SourceToken == req.TargetToken {
			return invalid("source and target are the same pool")
		}
		if len(req.Path) < 2 || len(req.Path) > config.AbsoluteMaxRouteHops {
			return invalid("path must have between 2 and %d hops", config.AbsoluteMaxRouteHops)
		}
		first, last := req.Path[0], req.Path[len(req.Path)-1]
		if first.Chain != req.SourceChain || first.Token != req.SourceToken {
			return invalid("path starts at %s/%s, not the source", first.Chain, first.Token)
		}
		if last.Chain != req.TargetChain || last.Token != req.TargetToken {
			return invalid("path ends at %s/%s, not the target", last.Chain, last.Token)
		}

		source, sourceChain, err := activePool(o.tx, req.SourceChain, req.SourceToken)
		if err != nil {
			return err
		}

		nodes, err := pathNodes(o.tx, o, req.Path)
		if err != nil {
			return err
		}

		if source.AvailableLiquidity < req.Amount {
			return fmt.Errorf("%w: pool %s has %d available, swap needs %d",
				ErrInsufficientLiquidity, poolKeyString(req.SourceChain, req.SourceToken), source.AvailableLiquidity, req.Amount)
		}

		if req.RouteID != 0 {
			if err := a.checkRoute(o, p, &req, nodes); err != nil {
				return err
			}
		}

		fee := config.ApplyBps(req.Amount, uint64(p.ProtocolFeeBps))
		output, _, err := estimate(nodes, req.Amount-fee)
		if err != nil {
			return err
		}
		if output == 0 {
			return invalid("amount %d yields no output", req.Amount)
		}

		timeout := req.TimeoutBlocks
		if timeout == 0 {
			timeout = p.DefaultTimeoutBlocks
		}

		adapter, err := a.caps.Adapter(sourceChain.Adapter)
		if err != nil {
			return capabilityErr("resolve source adapter", err)
		}

		if err := o.tx.UpdatePoolLiquidity(source.ChainID, source.Token, source.AvailableLiquidity-req.Amount, source.TotalShares); err != nil {
			return err
		}

		id, err := o.tx.NextID(storage.CounterSwap)
		if err != nil {
			return err
		}

		swap = &storage.Swap{
			SwapID:        id,
			Initiator:     caller,
			Recipient:     req.Recipient,
			SourceChain:   req.SourceChain,
			SourceToken:   req.SourceToken,
			Amount:        req.Amount,
			TargetChain:   req.TargetChain,
			TargetToken:   req.TargetToken,
			Path:          hopsOf(nodes),
			RouteID:       req.RouteID,
			Status:        storage.SwapPending,
			CreatedBlock:  o.block,
			TimeoutBlocks: timeout,
			FeeAmount:     fee,
			OutputAmount:  output,
			CreatedAt:     o.now,
			UpdatedAt:     o.now,
		}
		copy(swap.HashLock[:], req.HashLock)
		if err := o.tx.InsertSwap(swap); err != nil {
			return err
		}

		if err := o.emit(EventSwapInitiated, SwapSubject(id), map[string]interface{}{
			"initiator": caller,
			"amount":    req.Amount,
			"output":    output,
			"fee":       fee,
			"hash_lock": hex.EncodeToString(req.HashLock),
			"deadline":  config.Deadline(o.block, timeout),
		}); err != nil {
			return err
		}

		return o.settle("lock funds", func() error {
			return adapter.LockFunds(ctx, req.SourceToken, req.Amount, caller, a.custody)
		})
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("Swap initiated", "swap_id", swap.SwapID, "from", poolKeyString(req.SourceChain, req.SourceToken),
		"to", poolKeyString(req.TargetChain, req.TargetToken), "amount", req.Amount, "output", swap.OutputAmount, "timeout", swap.TimeoutBlocks)
	return swap, nil
}

// pendingSwap loads a swap and checks it has not reached a terminal state.
func pendingSwap(tx *storage.Tx, swapID uint64) (*storage.Swap, error) {
	if swapID > config.MaxStoredValue {
		return nil, fmt.Errorf("%w: swap %d", ErrNotFound, swapID)
	}
	s, err := tx.GetSwap(swapID)
	if err != nil {
		return nil, storageErr(err)
	}
	if s.Status != storage.SwapPending {
		return nil, fmt.Errorf("%w: swap %d is %s", ErrSwapFinalized, swapID, s.Status)
	}
	return s, nil
}

// ExecuteSwap redeems a pending swap with the hash lock's preimage. The
// target adapter releases the output to the recipient; the protocol fee
// stays in custody and accrues to the treasury's claimable balance.
func (a *Aggregator) ExecuteSwap(ctx context.Context, caller string, swapID uint64, preimage []byte) (*storage.Swap, error) {
	var swap *storage.Swap
	err := a.update(ctx, func(o *op) error {
		s, err := pendingSwap(o.tx, swapID)
		if err != nil {
			return err
		}
		if len(preimage) == 0 || len(preimage) > config.MaxPreimageSize {
			return fmt.Errorf("%w: preimage length %d", ErrInvalidPreimage, len(preimage))
		}
		digest := sha256.Sum256(preimage)
		if !helpers.ConstantTimeCompare(digest[:], s.HashLock[:]) {
			return fmt.Errorf("%w: swap %d", ErrInvalidPreimage, swapID)
		}
		if config.IsExpired(o.block, s.CreatedBlock, s.TimeoutBlocks) {
			return fmt.Errorf("%w: swap %d deadline was block %d", ErrSwapExpired, swapID, config.Deadline(s.CreatedBlock, s.TimeoutBlocks))
		}

		p, err := params(o.tx)
		if err != nil {
			return err
		}
		if err := requireRunning(p); err != nil {
			return err
		}

		target, err := o.tx.GetPool(s.TargetChain, s.TargetToken)
		if err != nil {
			return storageErr(err)
		}
		if target.AvailableLiquidity < s.OutputAmount {
			return fmt.Errorf("%w: pool %s has %d available, swap %d needs %d",
				ErrInsufficientLiquidity, poolKeyString(s.TargetChain, s.TargetToken), target.AvailableLiquidity, swapID, s.OutputAmount)
		}
		targetChain, err := o.tx.GetChain(s.TargetChain)
		if err != nil {
			return storageErr(err)
		}

		adapter, err := a.caps.Adapter(targetChain.Adapter)
		if err != nil {
			return capabilityErr("resolve target adapter", err)
		}

		source, err := o.tx.GetPool(s.SourceChain, s.SourceToken)
		if err != nil {
			return storageErr(err)
		}
		if err := accrueFee(o, s.SourceChain, s.SourceToken, s.FeeAmount); err != nil {
			return err
		}

		if err := o.tx.UpdatePoolLiquidity(source.ChainID, source.Token, source.AvailableLiquidity+s.Amount-s.FeeAmount, source.TotalShares); err != nil {
			return err
		}
		if err := o.tx.UpdatePoolLiquidity(target.ChainID, target.Token, target.AvailableLiquidity-s.OutputAmount, target.TotalShares); err != nil {
			return err
		}
		if err := o.tx.UpdateSwapSettlement(swapID, storage.SwapCompleted, preimage, o.block, o.now); err != nil {
			return storageErr(err)
		}

		block := o.block
		s.Status = storage.SwapCompleted
		s.Preimage = append([]byte(nil), preimage...)
		s.CompletionBlock = &block
		s.UpdatedAt = o.now
		swap = s

		if err := o.emit(EventSwapExecuted, SwapSubject(swapID), map[string]interface{}{
			"executor": caller,
			"preimage": hex.EncodeToString(preimage),
			"output":   s.OutputAmount,
			"fee":      s.FeeAmount,
		}); err != nil {
			return err
		}

		return o.settle("release funds", func() error {
			return adapter.ReleaseFunds(ctx, s.TargetToken, s.OutputAmount, a.custody, s.Recipient)
		})
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("Swap executed", "swap_id", swapID, "executor", caller, "output", swap.OutputAmount, "fee", swap.FeeAmount)
	return swap, nil
}

// RefundSwap returns an expired pending swap's escrow to its initiator.
// Anyone may call it and it is permitted during emergency shutdown.
func (a *Aggregator) RefundSwap(ctx context.Context, caller string, swapID uint64) (*storage.Swap, error) {
	var swap *storage.Swap
	err := a.update(ctx, func(o *op) error {
		s, err := pendingSwap(o.tx, swapID)
		if err != nil {
			return err
		}
		if !config.IsExpired(o.block, s.CreatedBlock, s.TimeoutBlocks) {
			return fmt.Errorf("%w: swap %d refundable after block %d, current %d",
				ErrTimeoutNotReached, swapID, config.Deadline(s.CreatedBlock, s.TimeoutBlocks), o.block)
		}

		sourceChain, err := o.tx.GetChain(s.SourceChain)
		if err != nil {
			return storageErr(err)
		}
		source, err := o.tx.GetPool(s.SourceChain, s.SourceToken)
		if err != nil {
			return storageErr(err)
		}

		adapter, err := a.caps.Adapter(sourceChain.Adapter)
		if err != nil {
			return capabilityErr("resolve source adapter", err)
		}

		if err := o.tx.UpdatePoolLiquidity(source.ChainID, source.Token, source.AvailableLiquidity+s.Amount, source.TotalShares); err != nil {
			return err
		}
		if err := o.tx.UpdateSwapSettlement(swapID, storage.SwapRefunded, nil, o.block, o.now); err != nil {
			return storageErr(err)
		}

		block := o.block
		s.Status = storage.SwapRefunded
		s.CompletionBlock = &block
		s.UpdatedAt = o.now
		swap = s

		if err := o.emit(EventSwapRefunded, SwapSubject(swapID), map[string]interface{}{
			"caller": caller,
			"amount": s.Amount,
		}); err != nil {
			return err
		}

		return o.settle("refund release", func() error {
			return adapter.ReleaseFunds(ctx, s.SourceToken, s.Amount, a.custody, s.Initiator)
		})
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("Swap refunded", "swap_id", swapID, "caller", caller, "initiator", swap.Initiator, "amount", swap.Amount)
	return swap, nil
}

// GetSwap returns a swap, or nil.
func (a *Aggregator) GetSwap(ctx context.Context, swapID uint64) (*storage.Swap, error) {
	if swapID > config.MaxStoredValue {
		return nil, nil
	}
	var s *storage.Swap
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		s, err = optional(tx.GetSwap(swapID))
		return err
	})
	return s, err
}

// ListSwaps returns swaps newest first.
func (a *Aggregator) ListSwaps(ctx context.Context, filter storage.SwapFilter) ([]*storage.Swap, error) {
	var swaps []*storage.Swap
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		swaps, err = tx.ListSwaps(filter)
		return err
	})
	return swaps, err
}

// RefundableSwaps returns pending swaps past their deadline at the current block.
func (a *Aggregator) RefundableSwaps(ctx context.Context) ([]*storage.Swap, error) {
	block, err := a.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	var swaps []*storage.Swap
	err = a.view(ctx, func(tx *storage.Tx) error {
		var err error
		swaps, err = tx.ListExpiredSwaps(block)
		return err
	})
	return swaps, err
}
