package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/klingon-liquidity/internal/aggregator"
	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
	"github.com/klingon-exchange/klingon-liquidity/pkg/helpers"
)

// ========================================
// Route handlers
// ========================================

// RouteFindParams is the request for route_find.
type RouteFindParams struct {
	SourceChain string `json:"source_chain"`
	SourceToken string `json:"source_token"`
	Amount      uint64 `json:"amount"`
	TargetChain string `json:"target_chain"`
	TargetToken string `json:"target_token"`
}

func (s *Server) routeFind(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RouteFindParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return s.agg.FindOptimalRoute(ctx, p.SourceChain, p.SourceToken, p.Amount, p.TargetChain, p.TargetToken)
}

// RouteGetParams is the request for route_get.
type RouteGetParams struct {
	RouteID uint64 `json:"route_id"`
}

func (s *Server) routeGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RouteGetParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	r, err := s.agg.GetCachedRoute(ctx, p.RouteID)
	return found(r, err, fmt.Sprintf("route %d", p.RouteID))
}

// ========================================
// Swap handlers
// ========================================

// SwapInfo is a swap record with its hash-lock, status name and deadline.
// The preimage is only present once the swap has completed.
type SwapInfo struct {
	*storage.Swap
	HashLock        string `json:"hash_lock"`
	Preimage        string `json:"preimage,omitempty"`
	StatusName      string `json:"status_name"`
	Deadline        uint64 `json:"deadline"`
	BlocksRemaining uint64 `json:"blocks_remaining"` // 0 once expired or settled
}

func swapInfo(sw *storage.Swap, currentBlock uint64) *SwapInfo {
	info := &SwapInfo{
		Swap:       sw,
		HashLock:   helpers.BytesToHex(sw.HashLock[:]),
		StatusName: sw.Status.String(),
		Deadline:   config.Deadline(sw.CreatedBlock, sw.TimeoutBlocks),
	}
	if sw.Status == storage.SwapPending {
		info.BlocksRemaining = config.BlocksUntilTimeout(currentBlock, sw.CreatedBlock, sw.TimeoutBlocks)
	}
	if len(sw.Preimage) > 0 {
		info.Preimage = helpers.BytesToHex(sw.Preimage)
	}
	return info
}

// swapView renders sw against the clock's current height.
func (s *Server) swapView(ctx context.Context, sw *storage.Swap) (*SwapInfo, error) {
	current, err := s.agg.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	return swapInfo(sw, current), nil
}

// SwapInitiateParams is the request for swap_initiate.
type SwapInitiateParams struct {
	Caller   string `json:"caller"`
	HashLock string `json:"hash_lock"`
	aggregator.SwapRequest
}

func (s *Server) swapInitiate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapInitiateParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	hashLock, err := hexParam("hash_lock", p.HashLock)
	if err != nil {
		return nil, err
	}

	req := p.SwapRequest
	req.HashLock = hashLock
	sw, err := s.agg.InitiateSwap(ctx, p.Caller, req)
	if err != nil {
		return nil, err
	}
	return s.swapView(ctx, sw)
}

// SwapExecuteParams is the request for swap_execute.
type SwapExecuteParams struct {
	Caller   string `json:"caller"`
	SwapID   uint64 `json:"swap_id"`
	Preimage string `json:"preimage"`
}

func (s *Server) swapExecute(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapExecuteParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	preimage, err := hexParam("preimage", p.Preimage)
	if err != nil {
		return nil, err
	}
	sw, err := s.agg.ExecuteSwap(ctx, p.Caller, p.SwapID, preimage)
	if err != nil {
		return nil, err
	}
	return s.swapView(ctx, sw)
}

// SwapIDParams is the request for swap_refund and swap_get.
type SwapIDParams struct {
	Caller string `json:"caller,omitempty"`
	SwapID uint64 `json:"swap_id"`
}

func (s *Server) swapRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	sw, err := s.agg.RefundSwap(ctx, p.Caller, p.SwapID)
	if err != nil {
		return nil, err
	}
	return s.swapView(ctx, sw)
}

func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	sw, err := s.agg.GetSwap(ctx, p.SwapID)
	if sw, err = found(sw, err, fmt.Sprintf("swap %d", p.SwapID)); err != nil {
		return nil, err
	}
	return s.swapView(ctx, sw)
}

// SwapListParams is the request for swap_list.
type SwapListParams struct {
	Status    string `json:"status,omitempty"` // pending, completed, refunded
	Initiator string `json:"initiator,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// SwapListResult is the response for swap_list.
type SwapListResult struct {
	Swaps []*SwapInfo `json:"swaps"`
	Count int         `json:"count"`
}

func parseSwapStatus(name string) (storage.SwapStatus, error) {
	for _, st := range []storage.SwapStatus{storage.SwapPending, storage.SwapCompleted, storage.SwapRefunded} {
		if st.String() == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown swap status %q", errInvalidParams, name)
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapListParams
	if len(params) > 0 {
		if err := parseParams(params, &p); err != nil {
			return nil, err
		}
	}

	filter := storage.SwapFilter{Initiator: p.Initiator, Limit: p.Limit}
	if p.Status != "" {
		st, err := parseSwapStatus(p.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = &st
	}

	swaps, err := s.agg.ListSwaps(ctx, filter)
	if err != nil {
		return nil, err
	}
	current, err := s.agg.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	result := &SwapListResult{Swaps: make([]*SwapInfo, 0, len(swaps))}
	for _, sw := range swaps {
		result.Swaps = append(result.Swaps, swapInfo(sw, current))
	}
	result.Count = len(result.Swaps)
	return result, nil
}
