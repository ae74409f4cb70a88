package aggregator

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

type poolKey struct {
	chain string
	token string
}

func (k poolKey) String() string { return poolKeyString(k.chain, k.token) }

// node is a pool in the routing graph with everything needed to price a hop.
type node struct {
	key         poolKey
	pool        *storage.Pool
	chain       *storage.Chain
	price       uint64
	traversable bool
}

// graph is a snapshot of the registries taken inside one transaction.
type graph struct {
	nodes map[poolKey]*node
	edges map[poolKey][]poolKey
}

// usablePrice returns the cached price of a pair if it exists, is positive
// and, when the oracle sets a staleness threshold, is recent enough.
func usablePrice(tx *storage.Tx, chainID, token string, now time.Time) (uint64, bool, error) {
	price, err := tx.GetPrice(chainID, token)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if price.Price == 0 {
		return 0, false, nil
	}

	oracle, err := tx.GetOracle(chainID, token)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if oracle.StalenessThreshold > 0 {
		age := now.Sub(price.UpdatedAt)
		if age > time.Duration(oracle.StalenessThreshold)*time.Second {
			return 0, false, nil
		}
	}
	return price.Price, true, nil
}

// loadGraph builds the routing graph from the registries and ledger.
func loadGraph(tx *storage.Tx, now time.Time) (*graph, error) {
	chains, err := tx.ListChains()
	if err != nil {
		return nil, err
	}
	chainByID := make(map[string]*storage.Chain, len(chains))
	for _, c := range chains {
		chainByID[c.ChainID] = c
	}

	pools, err := tx.ListPools("")
	if err != nil {
		return nil, err
	}

	g := &graph{
		nodes: make(map[poolKey]*node, len(pools)),
		edges: make(map[poolKey][]poolKey),
	}
	for _, p := range pools {
		c, ok := chainByID[p.ChainID]
		if !ok {
			continue
		}
		price, priced, err := usablePrice(tx, p.ChainID, p.Token, now)
		if err != nil {
			return nil, err
		}
		n := &node{key: poolKey{p.ChainID, p.Token}, pool: p, chain: c, price: price}
		n.traversable = p.Active && c.Enabled && priced && p.AvailableLiquidity >= c.LiquidityThreshold
		g.nodes[n.key] = n
	}

	mappings, err := tx.ListTokenMappings()
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		from := poolKey{m.SourceChain, m.SourceToken}
		to := poolKey{m.TargetChain, m.TargetToken}
		if g.nodes[from] == nil || g.nodes[to] == nil {
			continue
		}
		g.edges[from] = append(g.edges[from], to)
	}
	for k := range g.edges {
		neighbors := g.edges[k]
		sort.Slice(neighbors, func(i, j int) bool {
			if neighbors[i].chain != neighbors[j].chain {
				return neighbors[i].chain < neighbors[j].chain
			}
			return neighbors[i].token < neighbors[j].token
		})
	}
	return g, nil
}

// estimate walks a path: every hop deducts its pool fee, every edge converts
// at price(from)/price(to). aggFee is the sum of hop fees and chain risk weights.
func estimate(path []*node, amount uint64) (out uint64, aggFee uint64, err error) {
	out = amount
	for i, n := range path {
		out = config.DeductBps(out, uint64(n.pool.FeeBps))
		aggFee += uint64(n.pool.FeeBps) + n.chain.RiskWeight
		if i+1 < len(path) {
			out, err = config.MulDiv(out, n.price, path[i+1].price)
			if err != nil {
				return 0, 0, invalid("estimate overflow at %s", n.key)
			}
		}
	}
	if out > config.MaxStoredValue {
		return 0, 0, invalid("estimated output %d exceeds %d", out, uint64(config.MaxStoredValue))
	}
	return out, aggFee, nil
}

type candidate struct {
	path   []*node
	output uint64
	fee    uint64
}

// better reports whether c beats best: higher output, then fewer hops,
// then lower aggregate fee.
func (c *candidate) better(best *candidate) bool {
	if best == nil {
		return true
	}
	if c.output != best.output {
		return c.output > best.output
	}
	if len(c.path) != len(best.path) {
		return len(c.path) < len(best.path)
	}
	return c.fee < best.fee
}

// search enumerates simple paths from src to dst depth-first with neighbors
// in lexical order and returns the best viable candidate.
func (g *graph) search(src, dst poolKey, amount uint64, maxHops int) *candidate {
	var best *candidate
	visited := map[poolKey]bool{src: true}
	path := []*node{g.nodes[src]}

	var walk func(cur poolKey)
	walk = func(cur poolKey) {
		if cur == dst {
			out, fee, err := estimate(path, amount)
			if err != nil || out == 0 || out > g.nodes[dst].pool.AvailableLiquidity {
				return
			}
			c := &candidate{path: append([]*node(nil), path...), output: out, fee: fee}
			if c.better(best) {
				best = c
			}
			return
		}
		if len(path) >= maxHops {
			return
		}
		for _, next := range g.edges[cur] {
			n := g.nodes[next]
			if visited[next] || !n.traversable {
				continue
			}
			visited[next] = true
			path = append(path, n)
			walk(next)
			path = path[:len(path)-1]
			visited[next] = false
		}
	}

	if g.nodes[src].traversable {
		walk(src)
	}
	return best
}

func hopsOf(path []*node) []storage.Hop {
	hops := make([]storage.Hop, len(path))
	for i, n := range path {
		hops[i] = storage.Hop{Chain: n.key.chain, Token: n.key.token, Pool: n.pool.TokenContract}
	}
	return hops
}

// PathDigest returns the BLAKE3 digest of a path's (chain, token) sequence.
// Pool references are not part of the digest.
func PathDigest(path []storage.Hop) [32]byte {
	var buf []byte
	for _, h := range path {
		buf = binary.AppendUvarint(buf, uint64(len(h.Chain)))
		buf = append(buf, h.Chain...)
		buf = binary.AppendUvarint(buf, uint64(len(h.Token)))
		buf = append(buf, h.Token...)
	}
	return blake3.Sum256(buf)
}

// FindOptimalRoute selects the best path between two pools for amount and
// stores it as a route record.
func (a *Aggregator) FindOptimalRoute(ctx context.Context, sourceChain, sourceToken string, amount uint64, targetChain, targetToken string) (*storage.Route, error) {
	var route *storage.Route
	err := a.update(ctx, func(o *op) error {
		if err := positiveAmount("amount", amount); err != nil {
			return err
		}
		src := poolKey{sourceChain, sourceToken}
		dst := poolKey{targetChain, targetToken}
		if src == dst {
			return invalid("source and target are the same pool %s", src)
		}
		for _, k := range []poolKey{src, dst} {
			if _, err := o.tx.GetPool(k.chain, k.token); err != nil {
				return storageErr(err)
			}
		}

		g, err := loadGraph(o.tx, o.now)
		if err != nil {
			return err
		}
		best := g.search(src, dst, amount, a.maxHops)
		if best == nil {
			return fmt.Errorf("%w: no viable path from %s to %s", ErrRouteUnavailable, src, dst)
		}

		id, err := o.tx.NextID(storage.CounterRoute)
		if err != nil {
			return err
		}
		path := hopsOf(best.path)
		digest := PathDigest(path)
		route = &storage.Route{
			RouteID:         id,
			SourceChain:     sourceChain,
			SourceToken:     sourceToken,
			TargetChain:     targetChain,
			TargetToken:     targetToken,
			Amount:          amount,
			Path:            path,
			PathDigest:      hex.EncodeToString(digest[:]),
			EstimatedOutput: best.output,
			FeeBps:          best.fee,
			CreatedBlock:    o.block,
			CreatedAt:       o.now,
		}
		if err := o.tx.InsertRoute(route); err != nil {
			return err
		}

		a.log.Debug("Route found", "route_id", id, "hops", len(path), "output", best.output)
		return o.emit(EventRouteFound, routeSubject(id), map[string]interface{}{
			"estimated_output": best.output,
			"hops":             len(path),
		})
	})
	if err != nil {
		return nil, err
	}
	return route, nil
}

// GetCachedRoute returns a stored route, or nil.
func (a *Aggregator) GetCachedRoute(ctx context.Context, routeID uint64) (*storage.Route, error) {
	if routeID > config.MaxStoredValue {
		return nil, nil
	}
	var r *storage.Route
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		r, err = optional(tx.GetRoute(routeID))
		return err
	})
	return r, err
}
