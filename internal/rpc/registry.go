package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/klingon-liquidity/internal/aggregator"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

// ========================================
// Chain handlers
// ========================================

// ChainRegisterParams is the request for chain_register.
type ChainRegisterParams struct {
	Caller string `json:"caller"`
	aggregator.ChainParams
}

func (s *Server) chainRegister(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ChainRegisterParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.RegisterChain(ctx, p.Caller, p.ChainParams); err != nil {
		return nil, err
	}
	return s.chain(ctx, p.ChainID)
}

// ChainIDParams identifies a chain.
type ChainIDParams struct {
	ChainID string `json:"chain_id"`
}

// ChainInfo is a chain record with its status name.
type ChainInfo struct {
	*storage.Chain
	StatusName string `json:"status_name"`
}

func chainInfo(c *storage.Chain) *ChainInfo {
	return &ChainInfo{Chain: c, StatusName: aggregator.ChainStatusString(c.Status)}
}

func (s *Server) chain(ctx context.Context, chainID string) (*ChainInfo, error) {
	c, err := s.agg.GetChain(ctx, chainID)
	c, err = found(c, err, "chain "+chainID)
	if err != nil {
		return nil, err
	}
	return chainInfo(c), nil
}

func (s *Server) chainGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ChainIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return s.chain(ctx, p.ChainID)
}

// ChainListResult is the response for chain_list.
type ChainListResult struct {
	Chains []*ChainInfo `json:"chains"`
	Count  int          `json:"count"`
}

func (s *Server) chainList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	chains, err := s.agg.ListChains(ctx)
	if err != nil {
		return nil, err
	}
	result := &ChainListResult{Chains: make([]*ChainInfo, 0, len(chains))}
	for _, c := range chains {
		result.Chains = append(result.Chains, chainInfo(c))
	}
	result.Count = len(result.Chains)
	return result, nil
}

// ChainSetStatusParams is the request for chain_setStatus.
type ChainSetStatusParams struct {
	Caller  string `json:"caller"`
	ChainID string `json:"chain_id"`
	Enabled bool   `json:"enabled"`
	Status  uint8  `json:"status"`
}

func (s *Server) chainSetStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ChainSetStatusParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.SetChainStatus(ctx, p.Caller, p.ChainID, p.Enabled, p.Status); err != nil {
		return nil, err
	}
	return s.chain(ctx, p.ChainID)
}

// ChainStatusStringParams is the request for chain_statusString.
type ChainStatusStringParams struct {
	Status uint8 `json:"status"`
}

func (s *Server) chainStatusString(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ChainStatusStringParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return map[string]string{"status": aggregator.ChainStatusString(p.Status)}, nil
}

// ========================================
// Pool handlers
// ========================================

// PoolRegisterParams is the request for pool_register.
type PoolRegisterParams struct {
	Caller string `json:"caller"`
	aggregator.PoolParams
}

func (s *Server) poolRegister(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PoolRegisterParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.RegisterPool(ctx, p.Caller, p.PoolParams); err != nil {
		return nil, err
	}
	return s.pool(ctx, p.ChainID, p.Token)
}

// PoolIDParams identifies a pool.
type PoolIDParams struct {
	ChainID string `json:"chain_id"`
	Token   string `json:"token"`
}

func poolName(chainID, token string) string {
	return fmt.Sprintf("pool %s/%s", chainID, token)
}

func (s *Server) pool(ctx context.Context, chainID, token string) (*storage.Pool, error) {
	pool, err := s.agg.GetPool(ctx, chainID, token)
	return found(pool, err, poolName(chainID, token))
}

func (s *Server) poolGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PoolIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return s.pool(ctx, p.ChainID, p.Token)
}

// PoolListResult is the response for pool_list.
type PoolListResult struct {
	Pools []*storage.Pool `json:"pools"`
	Count int             `json:"count"`
}

func (s *Server) poolList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ChainIDParams
	if len(params) > 0 {
		if err := parseParams(params, &p); err != nil {
			return nil, err
		}
	}
	pools, err := s.agg.ListPools(ctx, p.ChainID)
	if err != nil {
		return nil, err
	}
	if pools == nil {
		pools = []*storage.Pool{}
	}
	return &PoolListResult{Pools: pools, Count: len(pools)}, nil
}

// PoolSetStatusParams is the request for pool_setStatus.
type PoolSetStatusParams struct {
	Caller  string `json:"caller"`
	ChainID string `json:"chain_id"`
	Token   string `json:"token"`
	Active  bool   `json:"active"`
}

func (s *Server) poolSetStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PoolSetStatusParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.SetPoolStatus(ctx, p.Caller, p.ChainID, p.Token, p.Active); err != nil {
		return nil, err
	}
	return s.pool(ctx, p.ChainID, p.Token)
}

// PoolSetFeeParams is the request for pool_setFee.
type PoolSetFeeParams struct {
	Caller  string `json:"caller"`
	ChainID string `json:"chain_id"`
	Token   string `json:"token"`
	FeeBps  uint16 `json:"fee_bps"`
}

func (s *Server) poolSetFee(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PoolSetFeeParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.SetPoolFee(ctx, p.Caller, p.ChainID, p.Token, p.FeeBps); err != nil {
		return nil, err
	}
	return s.pool(ctx, p.ChainID, p.Token)
}

// ========================================
// Token mapping handlers
// ========================================

// TokenMapParams is the request for token_map.
type TokenMapParams struct {
	Caller string `json:"caller"`
	storage.TokenMapping
}

func (s *Server) tokenMap(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TokenMapParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.MapToken(ctx, p.Caller, p.SourceChain, p.SourceToken, p.TargetChain, p.TargetToken); err != nil {
		return nil, err
	}
	return success, nil
}

// TokenGetMappingParams is the request for token_getMapping.
type TokenGetMappingParams struct {
	SourceChain string `json:"source_chain"`
	SourceToken string `json:"source_token"`
	TargetChain string `json:"target_chain"`
}

func (s *Server) tokenGetMapping(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TokenGetMappingParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	m, err := s.agg.GetTokenMapping(ctx, p.SourceChain, p.SourceToken, p.TargetChain)
	return found(m, err, fmt.Sprintf("mapping %s/%s -> %s", p.SourceChain, p.SourceToken, p.TargetChain))
}

// TokenListMappingsResult is the response for token_listMappings.
type TokenListMappingsResult struct {
	Mappings []*storage.TokenMapping `json:"mappings"`
	Count    int                     `json:"count"`
}

func (s *Server) tokenListMappings(ctx context.Context, params json.RawMessage) (interface{}, error) {
	mappings, err := s.agg.ListTokenMappings(ctx)
	if err != nil {
		return nil, err
	}
	if mappings == nil {
		mappings = []*storage.TokenMapping{}
	}
	return &TokenListMappingsResult{Mappings: mappings, Count: len(mappings)}, nil
}

// ========================================
// Oracle handlers
// ========================================

// OracleRegisterParams is the request for oracle_register.
type OracleRegisterParams struct {
	Caller string `json:"caller"`
	aggregator.OracleParams
}

func (s *Server) oracleRegister(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OracleRegisterParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	if err := requireCaller(p.Caller); err != nil {
		return nil, err
	}
	if err := s.agg.RegisterOracle(ctx, p.Caller, p.OracleParams); err != nil {
		return nil, err
	}
	return s.oracle(ctx, p.ChainID, p.Token)
}

func (s *Server) oracle(ctx context.Context, chainID, token string) (*storage.Oracle, error) {
	o, err := s.agg.GetOracle(ctx, chainID, token)
	return found(o, err, "oracle for "+poolName(chainID, token))
}

func (s *Server) oracleGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PoolIDParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	return s.oracle(ctx, p.ChainID, p.Token)
}
