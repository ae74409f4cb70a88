package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-liquidity/internal/chain"
)

// PriceFeed reads prices from Chainlink-style aggregator contracts
// (latestRoundData). The answer is returned unscaled.
type PriceFeed struct {
	client *Client
	feeds  map[string]common.Address
}

// NewPriceFeed creates an oracle over the given token symbol to feed address table.
func NewPriceFeed(client *Client, feeds map[string]common.Address) *PriceFeed {
	return &PriceFeed{client: client, feeds: feeds}
}

func (p *PriceFeed) GetPrice(ctx context.Context, token string) (uint64, error) {
	feed, ok := p.feeds[token]
	if !ok {
		return 0, fmt.Errorf("%w: no feed for %s", chain.ErrNoPrice, token)
	}

	out, err := p.client.call(ctx, feed, selectorLatestRoundData)
	if err != nil {
		return 0, fmt.Errorf("latestRoundData %s: %w", feed.Hex(), err)
	}
	return decodeRoundAnswer(out)
}

// decodeRoundAnswer extracts the answer from
// (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt, uint80 answeredInRound).
func decodeRoundAnswer(out []byte) (uint64, error) {
	if len(out) < 5*32 {
		return 0, fmt.Errorf("%w: latestRoundData returned %d bytes", ErrInvalidResponse, len(out))
	}
	answer, err := decodeInt256Word(out, 1)
	if err != nil {
		return 0, err
	}
	if answer.Sign() <= 0 {
		return 0, fmt.Errorf("%w: non-positive answer %s", chain.ErrNoPrice, answer)
	}
	if !answer.IsUint64() {
		return 0, fmt.Errorf("%w: answer overflows uint64", ErrInvalidResponse)
	}
	return answer.Uint64(), nil
}

var _ chain.Oracle = (*PriceFeed)(nil)
