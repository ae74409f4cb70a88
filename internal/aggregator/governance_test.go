package aggregator

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-liquidity/internal/config"
)

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.agg.Initialize(ctx, alice, treasury), ErrUnauthorized)
	assert.ErrorIs(t, f.agg.Initialize(ctx, owner, ""), ErrInvalidParameters)

	require.NoError(t, f.agg.Initialize(ctx, owner, treasury))
	p, err := f.agg.GetParams(ctx)
	require.NoError(t, err)
	assert.True(t, p.Initialized)
	assert.Equal(t, treasury, p.Treasury)

	assert.ErrorIs(t, f.agg.Initialize(ctx, owner, "SP-elsewhere"), ErrAlreadyExists)
}

func TestSetProtocolFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.agg.SetProtocolFee(ctx, owner, 50))
	require.NoError(t, f.agg.SetProtocolFee(ctx, owner, 500))
	assert.ErrorIs(t, f.agg.SetProtocolFee(ctx, owner, 501), ErrInvalidParameters)
	assert.ErrorIs(t, f.agg.SetProtocolFee(ctx, owner, 1000), ErrInvalidParameters)
	assert.ErrorIs(t, f.agg.SetProtocolFee(ctx, alice, 10), ErrUnauthorized)

	p, err := f.agg.GetParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(500), p.ProtocolFeeBps)
}

func TestSetParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.agg.SetMaxSlippage(ctx, owner, 10_000))
	assert.ErrorIs(t, f.agg.SetMaxSlippage(ctx, owner, 10_001), ErrInvalidParameters)

	require.NoError(t, f.agg.SetTreasury(ctx, owner, "SP-vault"))
	assert.ErrorIs(t, f.agg.SetTreasury(ctx, owner, ""), ErrInvalidParameters)

	require.NoError(t, f.agg.SetDefaultTimeout(ctx, owner, 72))
	assert.ErrorIs(t, f.agg.SetDefaultTimeout(ctx, owner, 0), ErrInvalidParameters)
	assert.ErrorIs(t, f.agg.SetDefaultTimeout(ctx, owner, config.MaxTimeoutBlocks+1), ErrInvalidParameters)
	assert.ErrorIs(t, f.agg.SetDefaultTimeout(ctx, owner, math.MaxUint64), ErrInvalidParameters)

	f.clock.Advance(3)
	require.NoError(t, f.agg.SetEmergencyShutdown(ctx, owner, true))
	assert.ErrorIs(t, f.agg.SetEmergencyShutdown(ctx, bob, false), ErrUnauthorized)

	p, err := f.agg.GetParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(10_000), p.MaxSlippageBps)
	assert.Equal(t, "SP-vault", p.Treasury)
	assert.Equal(t, uint64(72), p.DefaultTimeoutBlocks)
	assert.True(t, p.EmergencyShutdown)
	assert.Equal(t, uint64(startBlock+3), p.UpdatedBlock)

	events, err := f.agg.ListEvents(ctx, "protocol", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, EventEmergencyShutdown, events[3].Type)
}
