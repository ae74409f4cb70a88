package rpc

import (
	"context"
	"encoding/json"

	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

// ========================================
// Protocol parameter handlers
// ========================================

// ProtocolInitializeParams is the request for protocol_initialize.
type ProtocolInitializeParams struct {
	Caller   string `json:"caller"`
	Treasury string `json:"treasury"`
}

func (s *Server) protocolInitialize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ProtocolInitializeParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.Initialize(ctx, p.Caller, p.Treasury); err != nil {
		return nil, err
	}
	return s.agg.GetParams(ctx)
}

func (s *Server) protocolGetParams(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.agg.GetParams(ctx)
}

// ProtocolBpsParams is the request for protocol_setFee and protocol_setMaxSlippage.
type ProtocolBpsParams struct {
	Caller string `json:"caller"`
	Bps    uint16 `json:"bps"`
}

func (s *Server) protocolSetFee(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ProtocolBpsParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.SetProtocolFee(ctx, p.Caller, p.Bps); err != nil {
		return nil, err
	}
	return s.agg.GetParams(ctx)
}

func (s *Server) protocolSetMaxSlippage(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ProtocolBpsParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.SetMaxSlippage(ctx, p.Caller, p.Bps); err != nil {
		return nil, err
	}
	return s.agg.GetParams(ctx)
}

func (s *Server) protocolSetTreasury(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ProtocolInitializeParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.SetTreasury(ctx, p.Caller, p.Treasury); err != nil {
		return nil, err
	}
	return s.agg.GetParams(ctx)
}

// ProtocolTimeoutParams is the request for protocol_setDefaultTimeout.
type ProtocolTimeoutParams struct {
	Caller string `json:"caller"`
	Blocks uint64 `json:"blocks"`
}

func (s *Server) protocolSetDefaultTimeout(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ProtocolTimeoutParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.SetDefaultTimeout(ctx, p.Caller, p.Blocks); err != nil {
		return nil, err
	}
	return s.agg.GetParams(ctx)
}

// ProtocolShutdownParams is the request for protocol_setEmergencyShutdown.
type ProtocolShutdownParams struct {
	Caller string `json:"caller"`
	Active bool   `json:"active"`
}

func (s *Server) protocolSetEmergencyShutdown(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ProtocolShutdownParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.SetEmergencyShutdown(ctx, p.Caller, p.Active); err != nil {
		return nil, err
	}
	return s.agg.GetParams(ctx)
}

// ProtocolFeesParams is the request for protocol_claimFees.
type ProtocolFeesParams struct {
	Caller  string `json:"caller"`
	ChainID string `json:"chain_id"`
	Token   string `json:"token"`
}

// ProtocolFeesResult is the response for protocol_fees.
type ProtocolFeesResult struct {
	Fees  []*storage.ProtocolFee `json:"fees"`
	Count int                    `json:"count"`
}

func (s *Server) protocolFees(ctx context.Context, params json.RawMessage) (interface{}, error) {
	fees, err := s.agg.ListProtocolFees(ctx)
	if err != nil {
		return nil, err
	}
	if fees == nil {
		fees = []*storage.ProtocolFee{}
	}
	return &ProtocolFeesResult{Fees: fees, Count: len(fees)}, nil
}

func (s *Server) protocolClaimFees(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ProtocolFeesParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	return s.agg.ClaimProtocolFees(ctx, p.Caller, p.ChainID, p.Token)
}
