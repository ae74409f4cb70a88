package rpc

import (
	"context"
	"encoding/json"

	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

// ========================================
// Price handlers
// ========================================

// PriceUpdateParams is the request for price_update.
type PriceUpdateParams struct {
	Caller  string `json:"caller"`
	ChainID string `json:"chain_id"`
	Token   string `json:"token"`
	Price   uint64 `json:"price"`
}

func (s *Server) priceUpdate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PriceUpdateParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.UpdatePrice(ctx, p.Caller, p.ChainID, p.Token, p.Price); err != nil {
		return nil, err
	}
	return s.price(ctx, p.ChainID, p.Token)
}

// priceRefresh pulls a fresh price from the pool's registered oracle.
func (s *Server) priceRefresh(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PoolIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if _, err := s.agg.RefreshPrice(ctx, p.ChainID, p.Token); err != nil {
		return nil, err
	}
	return s.price(ctx, p.ChainID, p.Token)
}

func (s *Server) priceGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PoolIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return s.price(ctx, p.ChainID, p.Token)
}

func (s *Server) price(ctx context.Context, chainID, token string) (*storage.Price, error) {
	price, err := s.agg.GetPrice(ctx, chainID, token)
	return found(price, err, "price for "+poolName(chainID, token))
}

// ========================================
// Relayer handlers
// ========================================

// RelayerAuthorizeParams is the request for relayer_authorize.
type RelayerAuthorizeParams struct {
	Caller    string   `json:"caller"`
	Principal string   `json:"principal"`
	Chains    []string `json:"chains"`
}

func (s *Server) relayerAuthorize(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RelayerAuthorizeParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.AuthorizeRelayer(ctx, p.Caller, p.Principal, p.Chains); err != nil {
		return nil, err
	}
	return s.relayer(ctx, p.Principal)
}

// RelayerGetParams is the request for relayer_get.
type RelayerGetParams struct {
	Principal string `json:"principal"`
}

func (s *Server) relayerGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RelayerGetParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return s.relayer(ctx, p.Principal)
}

func (s *Server) relayer(ctx context.Context, principal string) (*storage.Relayer, error) {
	r, err := s.agg.GetRelayer(ctx, principal)
	return found(r, err, "relayer "+principal)
}

// RelayerStakeParams is the request for relayer_stake and relayer_unstake.
type RelayerStakeParams struct {
	Caller string `json:"caller"`
	Amount uint64 `json:"amount"`
}

func (s *Server) relayerStake(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RelayerStakeParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	return s.agg.StakeAsRelayer(ctx, p.Caller, p.Amount)
}

func (s *Server) relayerUnstake(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p RelayerStakeParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	return s.agg.UnstakeAsRelayer(ctx, p.Caller, p.Amount)
}

// ========================================
// Liquidity handlers
// ========================================

// LiquidityParams is the request for liquidity_add and liquidity_remove.
type LiquidityParams struct {
	Caller  string `json:"caller"`
	ChainID string `json:"chain_id"`
	Token   string `json:"token"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) liquidityAdd(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p LiquidityParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	return s.agg.AddLiquidity(ctx, p.Caller, p.ChainID, p.Token, p.Amount)
}

func (s *Server) liquidityRemove(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p LiquidityParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	return s.agg.RemoveLiquidity(ctx, p.Caller, p.ChainID, p.Token, p.Amount)
}

// LiquidityProviderParams is the request for liquidity_getProvider.
type LiquidityProviderParams struct {
	ChainID  string `json:"chain_id"`
	Token    string `json:"token"`
	Provider string `json:"provider"`
}

func (s *Server) liquidityGetProvider(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p LiquidityProviderParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	lp, err := s.agg.GetLiquidityProvider(ctx, p.ChainID, p.Token, p.Provider)
	return found(lp, err, "provider "+p.Provider+" in "+poolName(p.ChainID, p.Token))
}

// LiquidityListProvidersResult is the response for liquidity_listProviders.
type LiquidityListProvidersResult struct {
	Providers []*storage.Provider `json:"providers"`
	Count     int                 `json:"count"`
}

func (s *Server) liquidityListProviders(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PoolIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	providers, err := s.agg.ListProviders(ctx, p.ChainID, p.Token)
	if err != nil {
		return nil, err
	}
	if providers == nil {
		providers = []*storage.Provider{}
	}
	return &LiquidityListProvidersResult{Providers: providers, Count: len(providers)}, nil
}
