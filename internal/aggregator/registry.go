package aggregator

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

// ChainParams describes a chain to register.
type ChainParams struct {
	ChainID            string           `json:"chain_id"`
	Name               string           `json:"name"`
	Adapter            string           `json:"adapter"`
	Confirmations      uint32           `json:"confirmations"`
	AvgBlockTime       uint32           `json:"avg_block_time"`
	NativeSymbol       string           `json:"native_symbol"`
	ChainType          config.ChainType `json:"chain_type"`
	LiquidityThreshold uint64           `json:"liquidity_threshold"`
	RiskWeight         uint64           `json:"risk_weight"`
}

// RegisterChain adds a chain to the registry. New chains are enabled and Active.
func (a *Aggregator) RegisterChain(ctx context.Context, caller string, p ChainParams) error {
	return a.update(ctx, func(o *op) error {
		if _, err := requireOwner(o.tx, caller); err != nil {
			return err
		}
		if p.ChainID == "" {
			return invalid("chain id is required")
		}
		if !p.ChainType.Valid() {
			return invalid("chain type %q", p.ChainType)
		}
		if err := storable("liquidity threshold", p.LiquidityThreshold); err != nil {
			return err
		}
		if p.RiskWeight > config.MaxRiskWeight {
			return invalid("risk weight %d exceeds %d", p.RiskWeight, config.MaxRiskWeight)
		}

		c := &storage.Chain{
			ChainID:            p.ChainID,
			Name:               p.Name,
			Adapter:            p.Adapter,
			Confirmations:      p.Confirmations,
			AvgBlockTime:       p.AvgBlockTime,
			NativeSymbol:       p.NativeSymbol,
			ChainType:          string(p.ChainType),
			LiquidityThreshold: p.LiquidityThreshold,
			RiskWeight:         p.RiskWeight,
			Enabled:            true,
			Status:             uint8(config.ChainStatusActive),
			RegisteredBlock:    o.block,
		}
		if err := o.tx.InsertChain(c); err != nil {
			return storageErr(err)
		}

		a.log.Info("Chain registered", "chain", p.ChainID, "type", p.ChainType)
		return o.emit(EventChainRegistered, chainSubject(p.ChainID), c)
	})
}

// SetChainStatus records a chain's enabled flag and status code.
func (a *Aggregator) SetChainStatus(ctx context.Context, caller, chainID string, enabled bool, status uint8) error {
	return a.update(ctx, func(o *op) error {
		if _, err := requireOwner(o.tx, caller); err != nil {
			return err
		}
		if !config.ChainStatus(status).Valid() {
			return invalid("chain status code %d", status)
		}
		if err := o.tx.UpdateChainStatus(chainID, enabled, status); err != nil {
			return storageErr(err)
		}

		a.log.Info("Chain status changed", "chain", chainID, "enabled", enabled, "status", config.ChainStatus(status))
		return o.emit(EventChainStatus, chainSubject(chainID), map[string]interface{}{
			"enabled": enabled,
			"status":  status,
		})
	})
}

// ChainStatusString maps a status code to its name.
func ChainStatusString(status uint8) string {
	return config.ChainStatus(status).String()
}

// GetChain returns a chain, or nil if it is not registered.
func (a *Aggregator) GetChain(ctx context.Context, chainID string) (*storage.Chain, error) {
	var c *storage.Chain
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		c, err = optional(tx.GetChain(chainID))
		return err
	})
	return c, err
}

// ListChains returns every registered chain.
func (a *Aggregator) ListChains(ctx context.Context) ([]*storage.Chain, error) {
	var chains []*storage.Chain
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		chains, err = tx.ListChains()
		return err
	})
	return chains, err
}

// PoolParams describes a pool to register.
type PoolParams struct {
	ChainID       string `json:"chain_id"`
	Token         string `json:"token"`
	TokenContract string `json:"token_contract"`
	MinReserve    uint64 `json:"min_reserve"`
	MaxReserve    uint64 `json:"max_reserve"`
	FeeBps        uint16 `json:"fee_bps"`
}

// RegisterPool adds an active, empty pool on a registered chain.
func (a *Aggregator) RegisterPool(ctx context.Context, caller string, p PoolParams) error {
	return a.update(ctx, func(o *op) error {
		if _, err := requireOwner(o.tx, caller); err != nil {
			return err
		}
		if p.Token == "" || p.TokenContract == "" {
			return invalid("token and token contract are required")
		}
		if p.MinReserve > p.MaxReserve {
			return invalid("min reserve %d exceeds max reserve %d", p.MinReserve, p.MaxReserve)
		}
		if err := storable("max reserve", p.MaxReserve); err != nil {
			return err
		}
		if p.FeeBps > config.MaxPoolFeeBps {
			return invalid("pool fee %d bps exceeds %d", p.FeeBps, config.MaxPoolFeeBps)
		}
		if _, err := o.tx.GetChain(p.ChainID); err != nil {
			return storageErr(err)
		}

		pool := &storage.Pool{
			ChainID:         p.ChainID,
			Token:           p.Token,
			TokenContract:   p.TokenContract,
			MinReserve:      p.MinReserve,
			MaxReserve:      p.MaxReserve,
			FeeBps:          p.FeeBps,
			Active:          true,
			RegisteredBlock: o.block,
		}
		if err := o.tx.InsertPool(pool); err != nil {
			return storageErr(err)
		}

		a.log.Info("Pool registered", "chain", p.ChainID, "token", p.Token, "fee_bps", p.FeeBps)
		return o.emit(EventPoolRegistered, poolSubject(p.ChainID, p.Token), pool)
	})
}

// SetPoolStatus activates or deactivates a pool.
func (a *Aggregator) SetPoolStatus(ctx context.Context, caller, chainID, token string, active bool) error {
	return a.update(ctx, func(o *op) error {
		if _, err := requireOwner(o.tx, caller); err != nil {
			return err
		}
		if err := o.tx.UpdatePoolStatus(chainID, token, active); err != nil {
			return storageErr(err)
		}
		return o.emit(EventPoolStatus, poolSubject(chainID, token), map[string]bool{"active": active})
	})
}

// SetPoolFee changes a pool's fee.
func (a *Aggregator) SetPoolFee(ctx context.Context, caller, chainID, token string, feeBps uint16) error {
	return a.update(ctx, func(o *op) error {
		if _, err := requireOwner(o.tx, caller); err != nil {
			return err
		}
		if feeBps > config.MaxPoolFeeBps {
			return invalid("pool fee %d bps exceeds %d", feeBps, config.MaxPoolFeeBps)
		}
		if err := o.tx.UpdatePoolFee(chainID, token, feeBps); err != nil {
			return storageErr(err)
		}
		return o.emit(EventPoolFee, poolSubject(chainID, token), map[string]uint16{"fee_bps": feeBps})
	})
}

// GetPool returns a pool, or nil if it is not registered.
func (a *Aggregator) GetPool(ctx context.Context, chainID, token string) (*storage.Pool, error) {
	var p *storage.Pool
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		p, err = optional(tx.GetPool(chainID, token))
		return err
	})
	return p, err
}

// ListPools returns pools, optionally restricted to one chain.
func (a *Aggregator) ListPools(ctx context.Context, chainID string) ([]*storage.Pool, error) {
	var pools []*storage.Pool
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		pools, err = tx.ListPools(chainID)
		return err
	})
	return pools, err
}

// MapToken links two tokens on different chains in both directions.
func (a *Aggregator) MapToken(ctx context.Context, caller, sourceChain, sourceToken, targetChain, targetToken string) error {
	return a.update(ctx, func(o *op) error {
		if _, err := requireOwner(o.tx, caller); err != nil {
			return err
		}
		if sourceToken == "" || targetToken == "" {
			return invalid("tokens are required")
		}
		if sourceChain == targetChain {
			return invalid("cannot map chain %s to itself", sourceChain)
		}
		for _, id := range []string{sourceChain, targetChain} {
			if _, err := o.tx.GetChain(id); err != nil {
				return storageErr(err)
			}
		}

		forward := &storage.TokenMapping{SourceChain: sourceChain, SourceToken: sourceToken, TargetChain: targetChain, TargetToken: targetToken}
		reverse := &storage.TokenMapping{SourceChain: targetChain, SourceToken: targetToken, TargetChain: sourceChain, TargetToken: sourceToken}
		for _, m := range []*storage.TokenMapping{forward, reverse} {
			if err := o.tx.InsertTokenMapping(m); err != nil {
				return storageErr(err)
			}
		}

		a.log.Info("Token mapped", "from", sourceChain+"/"+sourceToken, "to", targetChain+"/"+targetToken)
		return o.emit(EventTokenMapped, poolSubject(sourceChain, sourceToken), forward)
	})
}

// GetTokenMapping returns the token on targetChain mapped from
// (sourceChain, sourceToken), or nil.
func (a *Aggregator) GetTokenMapping(ctx context.Context, sourceChain, sourceToken, targetChain string) (*storage.TokenMapping, error) {
	var m *storage.TokenMapping
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		m, err = optional(tx.GetTokenMapping(sourceChain, sourceToken, targetChain))
		return err
	})
	return m, err
}

// ListTokenMappings returns every mapping direction.
func (a *Aggregator) ListTokenMappings(ctx context.Context) ([]*storage.TokenMapping, error) {
	var mappings []*storage.TokenMapping
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		mappings, err = tx.ListTokenMappings()
		return err
	})
	return mappings, err
}

// OracleParams describes an oracle to register.
type OracleParams struct {
	ChainID            string `json:"chain_id"`
	Token              string `json:"token"`
	Oracle             string `json:"oracle"`
	UpdateInterval     uint64 `json:"update_interval"`
	StalenessThreshold uint64 `json:"staleness_threshold"`
}

// RegisterOracle registers a price source for a token on a registered chain.
func (a *Aggregator) RegisterOracle(ctx context.Context, caller string, p OracleParams) error {
	return a.update(ctx, func(o *op) error {
		if _, err := requireOwner(o.tx, caller); err != nil {
			return err
		}
		if p.Token == "" || p.Oracle == "" {
			return invalid("token and oracle are required")
		}
		if err := positiveAmount("update interval", p.UpdateInterval); err != nil {
			return err
		}
		if err := storable("staleness threshold", p.StalenessThreshold); err != nil {
			return err
		}
		if _, err := o.tx.GetChain(p.ChainID); err != nil {
			return storageErr(err)
		}

		oracle := &storage.Oracle{
			ChainID:            p.ChainID,
			Token:              p.Token,
			Oracle:             p.Oracle,
			UpdateInterval:     p.UpdateInterval,
			StalenessThreshold: p.StalenessThreshold,
		}
		if err := o.tx.InsertOracle(oracle); err != nil {
			return storageErr(err)
		}
		return o.emit(EventOracleRegistered, poolSubject(p.ChainID, p.Token), oracle)
	})
}

// GetOracle returns an oracle registration, or nil.
func (a *Aggregator) GetOracle(ctx context.Context, chainID, token string) (*storage.Oracle, error) {
	var oracle *storage.Oracle
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		oracle, err = optional(tx.GetOracle(chainID, token))
		return err
	})
	return oracle, err
}

// AuthorizeRelayer registers a relayer for a set of chains with zero stake.
func (a *Aggregator) AuthorizeRelayer(ctx context.Context, caller, principal string, chains []string) error {
	return a.update(ctx, func(o *op) error {
		if _, err := requireOwner(o.tx, caller); err != nil {
			return err
		}
		if principal == "" {
			return invalid("relayer principal is required")
		}
		if len(chains) == 0 {
			return invalid("relayer needs at least one chain")
		}

		seen := make(map[string]bool, len(chains))
		var authorized []string
		for _, id := range chains {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, err := o.tx.GetChain(id); err != nil {
				return storageErr(err)
			}
			authorized = append(authorized, id)
		}

		r := &storage.Relayer{Principal: principal, Chains: authorized, AuthorizedBlock: o.block}
		if err := o.tx.InsertRelayer(r); err != nil {
			return storageErr(err)
		}

		a.log.Info("Relayer authorized", "relayer", principal, "chains", authorized)
		return o.emit(EventRelayerAuthorized, relayerSubject(principal), r)
	})
}

// GetRelayer returns a relayer, or nil.
func (a *Aggregator) GetRelayer(ctx context.Context, principal string) (*storage.Relayer, error) {
	var r *storage.Relayer
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		r, err = optional(tx.GetRelayer(principal))
		return err
	})
	return r, err
}

func poolKeyString(chainID, token string) string {
	return fmt.Sprintf("%s/%s", chainID, token)
}
