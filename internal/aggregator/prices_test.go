package aggregator

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-liquidity/internal/config"
)

func priceFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"stacks", "ethereum"} {
		require.NoError(t, f.agg.RegisterChain(ctx, owner, ChainParams{ChainID: id, ChainType: config.ChainTypeNative}))
	}
	require.NoError(t, f.agg.RegisterOracle(ctx, owner, OracleParams{
		ChainID: "stacks", Token: "stx", Oracle: "static", UpdateInterval: 144, StalenessThreshold: 300,
	}))
	require.NoError(t, f.agg.RegisterOracle(ctx, owner, OracleParams{
		ChainID: "ethereum", Token: "eth", Oracle: "static", UpdateInterval: 10,
	}))
	require.NoError(t, f.agg.AuthorizeRelayer(ctx, owner, relayerA, []string{"stacks"}))
	return f
}

func TestUpdatePrice(t *testing.T) {
	f := priceFixture(t)
	ctx := context.Background()

	require.NoError(t, f.agg.UpdatePrice(ctx, owner, "stacks", "stx", 1_000_000))
	require.NoError(t, f.agg.UpdatePrice(ctx, relayerA, "stacks", "stx", 1_100_000))

	p, err := f.agg.GetPrice(ctx, "stacks", "stx")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, uint64(1_100_000), p.Price)
	assert.Equal(t, uint64(startBlock), p.UpdatedBlock)
	assert.Equal(t, f.now.Unix(), p.UpdatedAt.Unix())

	assert.ErrorIs(t, f.agg.UpdatePrice(ctx, relayerA, "ethereum", "eth", 1), ErrUnauthorized)
	assert.ErrorIs(t, f.agg.UpdatePrice(ctx, alice, "stacks", "stx", 1), ErrUnauthorized)
	assert.ErrorIs(t, f.agg.UpdatePrice(ctx, owner, "stacks", "stx", 0), ErrInvalidParameters)
	assert.ErrorIs(t, f.agg.UpdatePrice(ctx, owner, "stacks", "stx", math.MaxUint64), ErrInvalidParameters)
	assert.ErrorIs(t, f.agg.UpdatePrice(ctx, owner, "stacks", "xbtc", 1), ErrNotFound)

	none, err := f.agg.GetPrice(ctx, "ethereum", "eth")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRefreshPrice(t *testing.T) {
	f := priceFixture(t)
	ctx := context.Background()

	_, err := f.agg.RefreshPrice(ctx, "stacks", "stx")
	assert.Error(t, err, "oracle has no price yet")

	f.oracle.SetPrice("stx", 990_000)
	price, err := f.agg.RefreshPrice(ctx, "stacks", "stx")
	require.NoError(t, err)
	assert.Equal(t, uint64(990_000), price)

	p, err := f.agg.GetPrice(ctx, "stacks", "stx")
	require.NoError(t, err)
	assert.Equal(t, uint64(990_000), p.Price)

	_, err = f.agg.RefreshPrice(ctx, "stacks", "xbtc")
	assert.ErrorIs(t, err, ErrNotFound)

	// An oracle reporting a value the store cannot hold is rejected.
	f.oracle.SetPrice("stx", 1<<63)
	_, err = f.agg.RefreshPrice(ctx, "stacks", "stx")
	assert.ErrorIs(t, err, ErrInvalidParameters)
	p, err = f.agg.GetPrice(ctx, "stacks", "stx")
	require.NoError(t, err)
	assert.Equal(t, uint64(990_000), p.Price)

	require.NoError(t, f.agg.RegisterOracle(ctx, owner, OracleParams{ChainID: "stacks", Token: "xbtc", Oracle: "missing", UpdateInterval: 1}))
	_, err = f.agg.RefreshPrice(ctx, "stacks", "xbtc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPricesDue(t *testing.T) {
	f := priceFixture(t)
	ctx := context.Background()

	due, err := f.agg.PricesDue(ctx)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	require.NoError(t, f.agg.UpdatePrice(ctx, owner, "stacks", "stx", 1_000_000))
	require.NoError(t, f.agg.UpdatePrice(ctx, owner, "ethereum", "eth", 15_000_000))

	due, err = f.agg.PricesDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)

	f.clock.Advance(10)
	due, err = f.agg.PricesDue(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "eth", due[0].Token)

	f.clock.Advance(134)
	due, err = f.agg.PricesDue(ctx)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestRelayerStake(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.StakeToken = "stx-token" })
	ctx := context.Background()
	require.NoError(t, f.agg.RegisterChain(ctx, owner, ChainParams{ChainID: "stacks", ChainType: config.ChainTypeNative}))
	require.NoError(t, f.agg.AuthorizeRelayer(ctx, owner, relayerA, []string{"stacks"}))

	tok := f.token("stx")
	require.NoError(t, tok.Mint(ctx, relayerA, 1_000))

	r, err := f.agg.StakeAsRelayer(ctx, relayerA, 600)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), r.StakeAmount)
	assert.Equal(t, uint64(600), tok.BalanceOf(custody))

	_, err = f.agg.StakeAsRelayer(ctx, relayerA, 500)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = f.agg.StakeAsRelayer(ctx, relayerA, 0)
	assert.ErrorIs(t, err, ErrInvalidParameters)
	_, err = f.agg.StakeAsRelayer(ctx, alice, 10)
	assert.ErrorIs(t, err, ErrUnauthorized)

	r, err = f.agg.UnstakeAsRelayer(ctx, relayerA, 250)
	require.NoError(t, err)
	assert.Equal(t, uint64(350), r.StakeAmount)
	assert.Equal(t, uint64(650), tok.BalanceOf(relayerA))

	_, err = f.agg.UnstakeAsRelayer(ctx, relayerA, 351)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	stored, err := f.agg.GetRelayer(ctx, relayerA)
	require.NoError(t, err)
	assert.Equal(t, uint64(350), stored.StakeAmount)
}

func TestRelayerStakeBookkeepingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.agg.RegisterChain(ctx, owner, ChainParams{ChainID: "stacks", ChainType: config.ChainTypeNative}))
	require.NoError(t, f.agg.AuthorizeRelayer(ctx, owner, relayerA, []string{"stacks"}))

	r, err := f.agg.StakeAsRelayer(ctx, relayerA, 1_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), r.StakeAmount)

	r, err = f.agg.UnstakeAsRelayer(ctx, relayerA, 1_000)
	require.NoError(t, err)
	assert.Zero(t, r.StakeAmount)
}

func TestRelayerStakeTransferFailure(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.StakeToken = "stx-token" })
	ctx := context.Background()
	require.NoError(t, f.agg.RegisterChain(ctx, owner, ChainParams{ChainID: "stacks", ChainType: config.ChainTypeNative}))
	require.NoError(t, f.agg.AuthorizeRelayer(ctx, owner, relayerA, []string{"stacks"}))

	tok := f.token("stx")
	require.NoError(t, tok.Mint(ctx, relayerA, 1_000))
	_, err := f.agg.StakeAsRelayer(ctx, relayerA, 600)
	require.NoError(t, err)

	f.caps.RegisterToken("stx-token", &failingToken{Token: tok, err: errNodeDown})
	_, err = f.agg.StakeAsRelayer(ctx, relayerA, 100)
	require.ErrorIs(t, err, errNodeDown)
	_, err = f.agg.UnstakeAsRelayer(ctx, relayerA, 100)
	require.ErrorIs(t, err, errNodeDown)

	stored, err := f.agg.GetRelayer(ctx, relayerA)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), stored.StakeAmount)
	assert.Equal(t, uint64(400), tok.BalanceOf(relayerA))
}

func TestRelayerStakeBeyondStorableRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.agg.RegisterChain(ctx, owner, ChainParams{ChainID: "stacks", ChainType: config.ChainTypeNative}))
	require.NoError(t, f.agg.AuthorizeRelayer(ctx, owner, relayerA, []string{"stacks"}))

	_, err := f.agg.StakeAsRelayer(ctx, relayerA, math.MaxUint64)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = f.agg.StakeAsRelayer(ctx, relayerA, config.MaxStoredValue)
	require.NoError(t, err)
	_, err = f.agg.StakeAsRelayer(ctx, relayerA, 1)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	stored, err := f.agg.GetRelayer(ctx, relayerA)
	require.NoError(t, err)
	assert.Equal(t, uint64(config.MaxStoredValue), stored.StakeAmount)
}
