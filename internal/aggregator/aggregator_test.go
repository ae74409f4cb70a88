package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-liquidity/internal/backend"
	"github.com/klingon-exchange/klingon-liquidity/internal/chain"
	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

const (
	owner    = "SP-owner"
	custody  = "SP-custody"
	treasury = "SP-treasury"
	lp       = "SP-provider"
	alice    = "SP-alice"
	bob      = "SP-bob"
	relayerA = "SP-relayer"

	startBlock = 1000
)

type fixture struct {
	agg      *Aggregator
	store    *storage.Storage
	clock    *backend.LocalClock
	caps     *chain.Capabilities
	adapters map[string]*chain.LocalAdapter
	tokens   map[string]*chain.LocalToken
	oracle   *chain.StaticOracle
	now      time.Time
}

func newFixture(t *testing.T, mutate ...func(cfg *Config)) *fixture {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:    store,
		clock:    backend.NewLocalClock(startBlock, 0),
		caps:     chain.NewCapabilities(),
		adapters: make(map[string]*chain.LocalAdapter),
		tokens:   make(map[string]*chain.LocalToken),
		oracle:   chain.NewStaticOracle(nil),
		now:      time.Unix(1_700_000_000, 0),
	}
	f.caps.RegisterOracle("static", f.oracle)

	cfg := &Config{
		Store:        store,
		Capabilities: f.caps,
		Clock:        f.clock,
		Owner:        owner,
		Custody:      custody,
		Now:          func() time.Time { return f.now },
	}
	for _, m := range mutate {
		m(cfg)
	}

	f.agg, err = New(context.Background(), cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) adapter(chainID string) *chain.LocalAdapter {
	a, ok := f.adapters[chainID]
	if !ok {
		a = chain.NewLocalAdapter(chainID)
		f.adapters[chainID] = a
		f.caps.RegisterAdapter(chainID+"-escrow", a)
	}
	return a
}

func (f *fixture) token(symbol string) *chain.LocalToken {
	tok, ok := f.tokens[symbol]
	if !ok {
		tok = chain.NewLocalToken(symbol)
		f.tokens[symbol] = tok
		f.caps.RegisterToken(symbol+"-token", tok)
	}
	return tok
}

type seedChain struct {
	id, name, symbol string
	confirmations    uint32
	blockTime        uint32
	chainType        config.ChainType
	threshold, risk  uint64
}

type seedPool struct {
	chain, token     string
	min, max         uint64
	fee              uint16
	price, liquidity uint64
}

var (
	seedChains = []seedChain{
		{"stacks", "Stacks Blockchain", "STX", 1, 600, config.ChainTypeNative, 1000, 10},
		{"bitcoin", "Bitcoin", "BTC", 6, 600, config.ChainTypeNative, 5000, 20},
		{"ethereum", "Ethereum", "ETH", 12, 15, config.ChainTypeBridged, 8000, 15},
	}
	seedPools = []seedPool{
		{"stacks", "stx", 1_000_000, 1_000_000_000, 30, 1_000_000, 1_000_000_000},
		{"stacks", "xbtc", 100_000, 1_000_000_000_000, 40, 2_500_000_000, 10_000_000},
		{"bitcoin", "btc", 10_000, 1_000_000_000_000, 20, 2_500_000_000, 1_000_000},
		{"ethereum", "eth", 500_000, 1_000_000_000_000, 25, 15_000_000, 10_000_000},
		{"ethereum", "wbtc", 100_000, 1_000_000_000_000, 35, 2_500_000_000, 1_000_000},
	}
	seedMappings = [][4]string{
		{"stacks", "xbtc", "bitcoin", "btc"},
		{"bitcoin", "btc", "ethereum", "wbtc"},
		{"stacks", "stx", "ethereum", "eth"},
	}
)

// seed registers three chains, five pools, their mappings, oracles and
// prices, and deposits liquidity from lp.
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for _, c := range seedChains {
		f.adapter(c.id)
		require.NoError(t, f.agg.RegisterChain(ctx, owner, ChainParams{
			ChainID:            c.id,
			Name:               c.name,
			Adapter:            c.id + "-escrow",
			Confirmations:      c.confirmations,
			AvgBlockTime:       c.blockTime,
			NativeSymbol:       c.symbol,
			ChainType:          c.chainType,
			LiquidityThreshold: c.threshold,
			RiskWeight:         c.risk,
		}))
	}

	for _, p := range seedPools {
		tok := f.token(p.token)
		require.NoError(t, f.agg.RegisterPool(ctx, owner, PoolParams{
			ChainID:       p.chain,
			Token:         p.token,
			TokenContract: p.token + "-token",
			MinReserve:    p.min,
			MaxReserve:    p.max,
			FeeBps:        p.fee,
		}))
		require.NoError(t, f.agg.RegisterOracle(ctx, owner, OracleParams{
			ChainID:            p.chain,
			Token:              p.token,
			Oracle:             "static",
			UpdateInterval:     144,
			StalenessThreshold: 300,
		}))
		require.NoError(t, f.agg.UpdatePrice(ctx, owner, p.chain, p.token, p.price))
		f.oracle.SetPrice(p.token, p.price)

		require.NoError(t, tok.Mint(ctx, lp, p.liquidity))
		_, err := f.agg.AddLiquidity(ctx, lp, p.chain, p.token, p.liquidity)
		require.NoError(t, err)

		// The escrow adapter holds the same reserves as the token ledger.
		f.adapter(p.chain).Credit(p.token, custody, p.liquidity)
	}

	for _, m := range seedMappings {
		require.NoError(t, f.agg.MapToken(ctx, owner, m[0], m[1], m[2], m[3]))
	}
}

var errNodeDown = errors.New("node unreachable")

// failingAdapter wraps an adapter and fails the selected calls without
// moving funds.
type failingAdapter struct {
	chain.Adapter
	lockErr, releaseErr error
}

func (a *failingAdapter) LockFunds(ctx context.Context, token string, amount uint64, sender, recipient string) error {
	if a.lockErr != nil {
		return a.lockErr
	}
	return a.Adapter.LockFunds(ctx, token, amount, sender, recipient)
}

func (a *failingAdapter) ReleaseFunds(ctx context.Context, token string, amount uint64, sender, recipient string) error {
	if a.releaseErr != nil {
		return a.releaseErr
	}
	return a.Adapter.ReleaseFunds(ctx, token, amount, sender, recipient)
}

// failingToken wraps a token and fails every transfer.
type failingToken struct {
	chain.Token
	err error
}

func (t *failingToken) Transfer(ctx context.Context, amount uint64, sender, recipient string) error {
	return t.err
}

func (f *fixture) pool(t *testing.T, chainID, token string) *storage.Pool {
	t.Helper()
	p, err := f.agg.GetPool(context.Background(), chainID, token)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestNewRequiresOwner(t *testing.T) {
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	_, err = New(context.Background(), &Config{
		Store:        store,
		Capabilities: chain.NewCapabilities(),
		Clock:        backend.NewLocalClock(0, 0),
	})
	assert.Error(t, err)
}

func TestNewRejectsMaxHops(t *testing.T) {
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	for _, hops := range []int{1, config.AbsoluteMaxRouteHops + 1} {
		_, err = New(context.Background(), &Config{
			Store:        store,
			Capabilities: chain.NewCapabilities(),
			Clock:        backend.NewLocalClock(0, 0),
			Owner:        owner,
			MaxRouteHops: hops,
		})
		assert.Error(t, err, "hops=%d", hops)
	}
}

func TestBootstrapWritesDefaults(t *testing.T) {
	f := newFixture(t)

	p, err := f.agg.GetParams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, owner, p.Owner)
	assert.Equal(t, uint16(30), p.ProtocolFeeBps)
	assert.Equal(t, uint16(100), p.MaxSlippageBps)
	assert.Equal(t, uint64(144), p.DefaultTimeoutBlocks)
	assert.False(t, p.Initialized)
	assert.False(t, p.EmergencyShutdown)
	assert.Equal(t, custody, f.agg.Custody())
	assert.Equal(t, config.DefaultMaxRouteHops, f.agg.MaxRouteHops())
}

func TestBootstrapKeepsStoredOwner(t *testing.T) {
	f := newFixture(t)

	again, err := New(context.Background(), &Config{
		Store:        f.store,
		Capabilities: f.caps,
		Clock:        f.clock,
		Owner:        "SP-someone-else",
	})
	require.NoError(t, err)

	p, err := again.GetParams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, owner, p.Owner)
	assert.Equal(t, "SP-someone-else", again.Custody())
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrUnauthorized, 100},
		{ErrAlreadyExists, 101},
		{ErrNotFound, 102},
		{ErrInvalidParameters, 103},
		{ErrInactiveResource, 104},
		{ErrInsufficientBalance, 105},
		{ErrInsufficientLiquidity, 106},
		{ErrRouteUnavailable, 107},
		{ErrInvalidPreimage, 108},
		{ErrSwapFinalized, 109},
		{ErrTimeoutNotReached, 110},
		{ErrEmergencyShutdownActive, 111},
		{ErrSwapExpired, 112},
		{fmt.Errorf("wrapped: %w", ErrSwapExpired), 112},
		{errors.New("other"), 0},
		{nil, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, ErrorCode(tt.err), "%v", tt.err)
	}
}

func TestStorageAndCapabilityErrors(t *testing.T) {
	assert.ErrorIs(t, storageErr(storage.ErrNotFound), ErrNotFound)
	assert.ErrorIs(t, storageErr(storage.ErrAlreadyExists), ErrAlreadyExists)
	assert.NoError(t, storageErr(nil))

	assert.ErrorIs(t, capabilityErr("x", chain.ErrUnknownCapability), ErrNotFound)
	assert.ErrorIs(t, capabilityErr("x", chain.ErrInsufficientFunds), ErrInsufficientBalance)
	assert.Equal(t, 0, ErrorCode(capabilityErr("x", errors.New("rpc down"))))
}

func TestEventsPersistedAndPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	received := make(chan *Event, 4)
	f.agg.OnEvent(func(e *Event) { received <- e })

	require.NoError(t, f.agg.RegisterChain(ctx, owner, ChainParams{ChainID: "stacks", ChainType: config.ChainTypeNative}))

	select {
	case e := <-received:
		assert.Equal(t, EventChainRegistered, e.Type)
		assert.Equal(t, "chain:stacks", e.Subject)
		assert.Equal(t, uint64(startBlock), e.Block)
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}

	events, err := f.agg.ListEvents(ctx, "chain:stacks", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventChainRegistered, events[0].Type)
}

func TestFailedOperationPublishesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	received := make(chan *Event, 1)
	f.agg.OnEvent(func(e *Event) { received <- e })

	err := f.agg.RegisterChain(ctx, alice, ChainParams{ChainID: "stacks", ChainType: config.ChainTypeNative})
	assert.ErrorIs(t, err, ErrUnauthorized)

	events, err := f.agg.ListEvents(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	select {
	case e := <-received:
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUpdateSettlesLast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	register := func(o *op, id string) error {
		return o.tx.InsertChain(&storage.Chain{ChainID: id, ChainType: string(config.ChainTypeNative), Enabled: true, RegisteredBlock: o.block})
	}

	// A failed write means the call never runs.
	calls := 0
	err := f.agg.update(ctx, func(o *op) error {
		if err := o.settle("count", func() error { calls++; return nil }); err != nil {
			return err
		}
		return invalid("rejected after registering")
	})
	assert.ErrorIs(t, err, ErrInvalidParameters)
	assert.Zero(t, calls)

	// A failed call rolls back every write.
	err = f.agg.update(ctx, func(o *op) error {
		if err := register(o, "stacks"); err != nil {
			return err
		}
		if err := o.emit(EventChainRegistered, chainSubject("stacks"), nil); err != nil {
			return err
		}
		return o.settle("transfer", func() error { return chain.ErrInsufficientFunds })
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	got, err := f.agg.GetChain(ctx, "stacks")
	require.NoError(t, err)
	assert.Nil(t, got)
	events, err := f.agg.ListEvents(ctx, "", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// One external call per operation.
	err = f.agg.update(ctx, func(o *op) error {
		if err := o.settle("first", func() error { return nil }); err != nil {
			return err
		}
		return o.settle("second", func() error { return nil })
	})
	assert.Error(t, err)

	err = f.agg.update(ctx, func(o *op) error {
		if err := register(o, "stacks"); err != nil {
			return err
		}
		return o.settle("count", func() error { calls++; return nil })
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	got, err = f.agg.GetChain(ctx, "stacks")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestNewRejectsDefaultTimeout(t *testing.T) {
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	cfg := &Config{
		Store:        store,
		Capabilities: chain.NewCapabilities(),
		Clock:        backend.NewLocalClock(0, 0),
		Owner:        owner,
	}
	cfg.Defaults.DefaultTimeoutBlocks = config.MaxTimeoutBlocks + 1
	_, err = New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestListEventsBeyondStorableSeq(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.agg.RegisterChain(ctx, owner, ChainParams{ChainID: "stacks", ChainType: config.ChainTypeNative}))

	events, err := f.agg.ListEvents(ctx, "", math.MaxUint64, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
