package aggregator

import (
	"context"
	"crypto/sha256"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

var testPreimage = []byte{0x12, 0x34, 0x56, 0x78}

func testHashLock() []byte {
	h := sha256.Sum256(testPreimage)
	return h[:]
}

func directPath() []storage.Hop {
	return []storage.Hop{{Chain: "stacks", Token: "stx"}, {Chain: "ethereum", Token: "eth"}}
}

func stxToEth(amount uint64) SwapRequest {
	return SwapRequest{
		SourceChain:   "stacks",
		SourceToken:   "stx",
		Amount:        amount,
		TargetChain:   "ethereum",
		TargetToken:   "eth",
		Recipient:     bob,
		HashLock:      testHashLock(),
		Path:          directPath(),
		TimeoutBlocks: 50,
	}
}

func swapFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.seed(t)
	f.adapter("stacks").Credit("stx", alice, 20_000_000)
	require.NoError(t, f.agg.Initialize(context.Background(), owner, treasury))
	return f
}

func TestSwapEndToEnd(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	route, err := f.agg.FindOptimalRoute(ctx, "stacks", "stx", 10_000_000, "ethereum", "eth")
	require.NoError(t, err)

	req := stxToEth(5_000_000)
	req.Path = route.Path
	req.RouteID = route.RouteID

	swap, err := f.agg.InitiateSwap(ctx, alice, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), swap.SwapID)
	assert.Equal(t, storage.SwapPending, swap.Status)
	// 0.30% protocol fee on 5,000,000.
	assert.Equal(t, uint64(15_000), swap.FeeAmount)
	// 4,985,000 less 0.30% = 4,970,045; at 1/15 = 331,336; less 0.25% = 330,507.
	assert.Equal(t, uint64(330_507), swap.OutputAmount)
	assert.Equal(t, uint64(50), swap.TimeoutBlocks)
	assert.Equal(t, uint64(startBlock), swap.CreatedBlock)

	assert.Equal(t, uint64(15_000_000), f.adapters["stacks"].Balance("stx", alice))
	assert.Equal(t, uint64(1_000_000_000-5_000_000), f.pool(t, "stacks", "stx").AvailableLiquidity)

	f.clock.Advance(10)
	done, err := f.agg.ExecuteSwap(ctx, relayerA, swap.SwapID, testPreimage)
	require.NoError(t, err)
	assert.Equal(t, storage.SwapCompleted, done.Status)
	require.NotNil(t, done.CompletionBlock)
	assert.Equal(t, uint64(startBlock+10), *done.CompletionBlock)

	assert.Equal(t, uint64(330_507), f.adapters["ethereum"].Balance("eth", bob))
	// The fee stays in custody until claimed.
	assert.Zero(t, f.tokens["stx"].BalanceOf(treasury))
	fee, err := f.agg.GetProtocolFee(ctx, "stacks", "stx")
	require.NoError(t, err)
	require.NotNil(t, fee)
	assert.Equal(t, uint64(15_000), fee.Accrued)
	assert.Equal(t, uint64(1_000_000_000-5_000_000+4_985_000), f.pool(t, "stacks", "stx").AvailableLiquidity)
	assert.Equal(t, uint64(10_000_000-330_507), f.pool(t, "ethereum", "eth").AvailableLiquidity)

	stored, err := f.agg.GetSwap(ctx, swap.SwapID)
	require.NoError(t, err)
	assert.Equal(t, storage.SwapCompleted, stored.Status)
	assert.Equal(t, testPreimage, stored.Preimage)

	_, err = f.agg.ExecuteSwap(ctx, relayerA, swap.SwapID, testPreimage)
	assert.ErrorIs(t, err, ErrSwapFinalized)
	_, err = f.agg.RefundSwap(ctx, alice, swap.SwapID)
	assert.ErrorIs(t, err, ErrSwapFinalized)

	claimed, err := f.agg.ClaimProtocolFees(ctx, treasury, "stacks", "stx")
	require.NoError(t, err)
	assert.Zero(t, claimed.Accrued)
	assert.Equal(t, uint64(15_000), claimed.Claimed)
	assert.Equal(t, uint64(15_000), f.tokens["stx"].BalanceOf(treasury))
}

func TestSwapRefund(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	req := stxToEth(5_000_000)
	req.TimeoutBlocks = 0
	swap, err := f.agg.InitiateSwap(ctx, alice, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(144), swap.TimeoutBlocks)

	f.clock.Advance(144)
	_, err = f.agg.RefundSwap(ctx, alice, swap.SwapID)
	assert.ErrorIs(t, err, ErrTimeoutNotReached)

	refundable, err := f.agg.RefundableSwaps(ctx)
	require.NoError(t, err)
	assert.Empty(t, refundable)

	f.clock.Advance(1)
	refundable, err = f.agg.RefundableSwaps(ctx)
	require.NoError(t, err)
	require.Len(t, refundable, 1)

	_, err = f.agg.ExecuteSwap(ctx, bob, swap.SwapID, testPreimage)
	assert.ErrorIs(t, err, ErrSwapExpired)

	// Anyone may trigger the refund; funds go back to the initiator.
	refunded, err := f.agg.RefundSwap(ctx, bob, swap.SwapID)
	require.NoError(t, err)
	assert.Equal(t, storage.SwapRefunded, refunded.Status)
	assert.Equal(t, uint64(20_000_000), f.adapters["stacks"].Balance("stx", alice))
	assert.Equal(t, uint64(1_000_000_000), f.pool(t, "stacks", "stx").AvailableLiquidity)

	_, err = f.agg.RefundSwap(ctx, bob, swap.SwapID)
	assert.ErrorIs(t, err, ErrSwapFinalized)
}

func TestExecuteSwapInvalidPreimage(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	swap, err := f.agg.InitiateSwap(ctx, alice, stxToEth(5_000_000))
	require.NoError(t, err)

	for _, preimage := range [][]byte{nil, {0x12, 0x34, 0x56}, make([]byte, 1025)} {
		_, err = f.agg.ExecuteSwap(ctx, bob, swap.SwapID, preimage)
		assert.ErrorIs(t, err, ErrInvalidPreimage)
	}

	_, err = f.agg.ExecuteSwap(ctx, bob, 42, testPreimage)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.agg.GetSwap(ctx, swap.SwapID)
	require.NoError(t, err)
	assert.Equal(t, storage.SwapPending, got.Status)
}

func TestInitiateSwapValidation(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *SwapRequest)
		want   error
	}{
		{"zero amount", func(r *SwapRequest) { r.Amount = 0 }, ErrInvalidParameters},
		{"short hash lock", func(r *SwapRequest) { r.HashLock = r.HashLock[:31] }, ErrInvalidParameters},
		{"no recipient", func(r *SwapRequest) { r.Recipient = "" }, ErrInvalidParameters},
		{"same pool", func(r *SwapRequest) { r.TargetChain, r.TargetToken = "stacks", "stx" }, ErrInvalidParameters},
		{"single hop", func(r *SwapRequest) { r.Path = r.Path[:1] }, ErrInvalidParameters},
		{"wrong start", func(r *SwapRequest) { r.Path[0].Token = "xbtc" }, ErrInvalidParameters},
		{"wrong end", func(r *SwapRequest) { r.TargetToken = "wbtc" }, ErrInvalidParameters},
		{"pool ref mismatch", func(r *SwapRequest) { r.Path[1].Pool = "other-contract" }, ErrInvalidParameters},
		{"unknown source", func(r *SwapRequest) {
			r.SourceToken = "fake"
			r.Path[0].Token = "fake"
		}, ErrNotFound},
		{"unmapped hop", func(r *SwapRequest) {
			r.TargetToken = "wbtc"
			r.Path[1].Token = "wbtc"
		}, ErrRouteUnavailable},
		{"not enough source liquidity", func(r *SwapRequest) { r.Amount = 1_000_000_001 }, ErrInsufficientLiquidity},
		{"unknown route", func(r *SwapRequest) { r.RouteID = 77 }, ErrNotFound},
		{"amount beyond storable range", func(r *SwapRequest) { r.Amount = math.MaxUint64 }, ErrInvalidParameters},
		{"amount just past int64", func(r *SwapRequest) { r.Amount = 1 << 63 }, ErrInvalidParameters},
		{"timeout beyond storable range", func(r *SwapRequest) { r.TimeoutBlocks = math.MaxUint64 }, ErrInvalidParameters},
		{"timeout past ceiling", func(r *SwapRequest) { r.TimeoutBlocks = config.MaxTimeoutBlocks + 1 }, ErrInvalidParameters},
		{"route id beyond storable range", func(r *SwapRequest) { r.RouteID = math.MaxUint64 }, ErrInvalidParameters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := stxToEth(5_000_000)
			tt.mutate(&req)
			_, err := f.agg.InitiateSwap(ctx, alice, req)
			assert.ErrorIs(t, err, tt.want)
			assert.NotZero(t, ErrorCode(err))
		})
	}

	swaps, err := f.agg.ListSwaps(ctx, storage.SwapFilter{})
	require.NoError(t, err)
	assert.Empty(t, swaps)
	assert.Equal(t, uint64(20_000_000), f.adapters["stacks"].Balance("stx", alice))
}

func TestInitiateSwapInsufficientFunds(t *testing.T) {
	f := swapFixture(t)

	_, err := f.agg.InitiateSwap(context.Background(), "SP-broke", stxToEth(5_000_000))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, uint64(1_000_000_000), f.pool(t, "stacks", "stx").AvailableLiquidity)
}

func TestInitiateSwapInactivePool(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	require.NoError(t, f.agg.SetPoolStatus(ctx, owner, "ethereum", "eth", false))
	_, err := f.agg.InitiateSwap(ctx, alice, stxToEth(5_000_000))
	assert.ErrorIs(t, err, ErrInactiveResource)
}

func TestInitiateSwapRouteRevalidation(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.RouteTTLBlocks = 20 })
	f.seed(t)
	f.adapter("stacks").Credit("stx", alice, 20_000_000)
	ctx := context.Background()

	route, err := f.agg.FindOptimalRoute(ctx, "stacks", "stx", 10_000_000, "ethereum", "eth")
	require.NoError(t, err)

	// A different path than the one recorded.
	req := stxToEth(5_000_000)
	req.RouteID = route.RouteID
	req.Path = []storage.Hop{{Chain: "stacks", Token: "stx"}, {Chain: "ethereum", Token: "eth"}}
	_, err = f.agg.InitiateSwap(ctx, alice, req)
	require.NoError(t, err, "pool references do not change the digest")

	// Price moved against the swap by more than 1%.
	require.NoError(t, f.agg.UpdatePrice(ctx, owner, "ethereum", "eth", 15_300_000))
	_, err = f.agg.InitiateSwap(ctx, alice, req)
	assert.ErrorIs(t, err, ErrRouteUnavailable)

	// Within tolerance again.
	require.NoError(t, f.agg.UpdatePrice(ctx, owner, "ethereum", "eth", 15_100_000))
	_, err = f.agg.InitiateSwap(ctx, alice, req)
	require.NoError(t, err)

	f.clock.Advance(21)
	_, err = f.agg.InitiateSwap(ctx, alice, req)
	assert.ErrorIs(t, err, ErrRouteUnavailable)
}

func TestEmergencyShutdownBlocksSwaps(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	pending, err := f.agg.InitiateSwap(ctx, alice, stxToEth(5_000_000))
	require.NoError(t, err)

	require.NoError(t, f.agg.SetEmergencyShutdown(ctx, owner, true))

	_, err = f.agg.InitiateSwap(ctx, alice, stxToEth(5_000_000))
	assert.ErrorIs(t, err, ErrEmergencyShutdownActive)

	_, err = f.agg.ExecuteSwap(ctx, bob, pending.SwapID, testPreimage)
	assert.ErrorIs(t, err, ErrEmergencyShutdownActive)

	// Refunds stay available during shutdown.
	f.clock.Advance(51)
	_, err = f.agg.RefundSwap(ctx, alice, pending.SwapID)
	require.NoError(t, err)

	require.NoError(t, f.agg.SetEmergencyShutdown(ctx, owner, false))
	_, err = f.agg.InitiateSwap(ctx, alice, stxToEth(5_000_000))
	assert.NoError(t, err)
}

func TestExecuteSwapWithoutTreasuryKeepsFee(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.adapter("stacks").Credit("stx", alice, 20_000_000)
	ctx := context.Background()

	swap, err := f.agg.InitiateSwap(ctx, alice, stxToEth(5_000_000))
	require.NoError(t, err)
	_, err = f.agg.ExecuteSwap(ctx, bob, swap.SwapID, testPreimage)
	require.NoError(t, err)

	assert.Equal(t, uint64(1_000_000_000), f.tokens["stx"].BalanceOf(custody))
	assert.Zero(t, f.tokens["stx"].BalanceOf(treasury))

	// The fee accrues regardless and waits for a treasury.
	fee, err := f.agg.GetProtocolFee(ctx, "stacks", "stx")
	require.NoError(t, err)
	assert.Equal(t, uint64(15_000), fee.Accrued)

	_, err = f.agg.ClaimProtocolFees(ctx, owner, "stacks", "stx")
	assert.ErrorIs(t, err, ErrInvalidParameters)
	assert.Equal(t, uint64(1_000_000_000), f.tokens["stx"].BalanceOf(custody))
}

func TestListSwapsFilters(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	first, err := f.agg.InitiateSwap(ctx, alice, stxToEth(1_000_000))
	require.NoError(t, err)
	_, err = f.agg.InitiateSwap(ctx, alice, stxToEth(2_000_000))
	require.NoError(t, err)
	_, err = f.agg.ExecuteSwap(ctx, bob, first.SwapID, testPreimage)
	require.NoError(t, err)

	all, err := f.agg.ListSwaps(ctx, storage.SwapFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint64(2), all[0].SwapID)

	completed := storage.SwapCompleted
	done, err := f.agg.ListSwaps(ctx, storage.SwapFilter{Status: &completed})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, first.SwapID, done[0].SwapID)

	none, err := f.agg.ListSwaps(ctx, storage.SwapFilter{Initiator: bob})
	require.NoError(t, err)
	assert.Empty(t, none)

	missing, err := f.agg.GetSwap(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInitiateSwapLockFailureLeavesNoSwap(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	f.caps.RegisterAdapter("stacks-escrow", &failingAdapter{Adapter: f.adapters["stacks"], lockErr: errNodeDown})

	_, err := f.agg.InitiateSwap(ctx, alice, stxToEth(5_000_000))
	require.ErrorIs(t, err, errNodeDown)

	swaps, err := f.agg.ListSwaps(ctx, storage.SwapFilter{})
	require.NoError(t, err)
	assert.Empty(t, swaps)
	assert.Equal(t, uint64(1_000_000_000), f.pool(t, "stacks", "stx").AvailableLiquidity)
	assert.Equal(t, uint64(20_000_000), f.adapters["stacks"].Balance("stx", alice))

	events, err := f.agg.ListEvents(ctx, "swap:1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// The swap id was not consumed.
	f.caps.RegisterAdapter("stacks-escrow", f.adapters["stacks"])
	swap, err := f.agg.InitiateSwap(ctx, alice, stxToEth(5_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), swap.SwapID)
}

func TestExecuteSwapReleaseFailurePaysOnce(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	swap, err := f.agg.InitiateSwap(ctx, alice, stxToEth(5_000_000))
	require.NoError(t, err)
	stxBefore := f.pool(t, "stacks", "stx").AvailableLiquidity
	ethBefore := f.pool(t, "ethereum", "eth").AvailableLiquidity

	f.caps.RegisterAdapter("ethereum-escrow", &failingAdapter{Adapter: f.adapters["ethereum"], releaseErr: errNodeDown})
	for i := 0; i < 3; i++ {
		_, err = f.agg.ExecuteSwap(ctx, relayerA, swap.SwapID, testPreimage)
		require.ErrorIs(t, err, errNodeDown)
	}

	got, err := f.agg.GetSwap(ctx, swap.SwapID)
	require.NoError(t, err)
	assert.Equal(t, storage.SwapPending, got.Status)
	assert.Zero(t, f.adapters["ethereum"].Balance("eth", bob))
	assert.Equal(t, stxBefore, f.pool(t, "stacks", "stx").AvailableLiquidity)
	assert.Equal(t, ethBefore, f.pool(t, "ethereum", "eth").AvailableLiquidity)
	fee, err := f.agg.GetProtocolFee(ctx, "stacks", "stx")
	require.NoError(t, err)
	assert.Nil(t, fee)

	events, err := f.agg.ListEvents(ctx, SwapSubject(swap.SwapID), 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventSwapInitiated, events[0].Type)

	// Once the target chain recovers the recipient is paid exactly once.
	f.caps.RegisterAdapter("ethereum-escrow", f.adapters["ethereum"])
	_, err = f.agg.ExecuteSwap(ctx, relayerA, swap.SwapID, testPreimage)
	require.NoError(t, err)
	_, err = f.agg.ExecuteSwap(ctx, relayerA, swap.SwapID, testPreimage)
	assert.ErrorIs(t, err, ErrSwapFinalized)

	assert.Equal(t, swap.OutputAmount, f.adapters["ethereum"].Balance("eth", bob))
	fee, err = f.agg.GetProtocolFee(ctx, "stacks", "stx")
	require.NoError(t, err)
	assert.Equal(t, swap.FeeAmount, fee.Accrued)
}

func TestExecuteSwapMakesOneExternalCall(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	swap, err := f.agg.InitiateSwap(ctx, alice, stxToEth(5_000_000))
	require.NoError(t, err)

	// A broken fee token cannot affect execution.
	f.caps.RegisterToken("stx-token", &failingToken{Token: f.tokens["stx"], err: errNodeDown})
	_, err = f.agg.ExecuteSwap(ctx, relayerA, swap.SwapID, testPreimage)
	require.NoError(t, err)
	assert.Equal(t, swap.OutputAmount, f.adapters["ethereum"].Balance("eth", bob))

	// The claim is the call that fails, and it can be retried.
	_, err = f.agg.ClaimProtocolFees(ctx, treasury, "stacks", "stx")
	require.ErrorIs(t, err, errNodeDown)
	fee, err := f.agg.GetProtocolFee(ctx, "stacks", "stx")
	require.NoError(t, err)
	assert.Equal(t, swap.FeeAmount, fee.Accrued)
	assert.Zero(t, fee.Claimed)

	f.caps.RegisterToken("stx-token", f.tokens["stx"])
	_, err = f.agg.ClaimProtocolFees(ctx, treasury, "stacks", "stx")
	require.NoError(t, err)
	assert.Equal(t, swap.FeeAmount, f.tokens["stx"].BalanceOf(treasury))
}

func TestRefundSwapReleaseFailureKeepsEscrow(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	swap, err := f.agg.InitiateSwap(ctx, alice, stxToEth(5_000_000))
	require.NoError(t, err)
	f.clock.Advance(51)

	f.caps.RegisterAdapter("stacks-escrow", &failingAdapter{Adapter: f.adapters["stacks"], releaseErr: errNodeDown})
	_, err = f.agg.RefundSwap(ctx, alice, swap.SwapID)
	require.ErrorIs(t, err, errNodeDown)

	got, err := f.agg.GetSwap(ctx, swap.SwapID)
	require.NoError(t, err)
	assert.Equal(t, storage.SwapPending, got.Status)
	assert.Equal(t, uint64(1_000_000_000-5_000_000), f.pool(t, "stacks", "stx").AvailableLiquidity)
	assert.Equal(t, uint64(15_000_000), f.adapters["stacks"].Balance("stx", alice))

	f.caps.RegisterAdapter("stacks-escrow", f.adapters["stacks"])
	_, err = f.agg.RefundSwap(ctx, alice, swap.SwapID)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000_000), f.adapters["stacks"].Balance("stx", alice))
	assert.Equal(t, uint64(1_000_000_000), f.pool(t, "stacks", "stx").AvailableLiquidity)
}

func TestSwapIDsBeyondStorableRange(t *testing.T) {
	f := swapFixture(t)
	ctx := context.Background()

	_, err := f.agg.ExecuteSwap(ctx, bob, math.MaxUint64, testPreimage)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.agg.RefundSwap(ctx, bob, 1<<63)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.agg.GetSwap(ctx, math.MaxUint64)
	require.NoError(t, err)
	assert.Nil(t, got)
}
