package node

import (
	"context"
	"time"

	"github.com/klingon-exchange/klingon-liquidity/internal/aggregator"
	"github.com/klingon-exchange/klingon-liquidity/pkg/logging"
)

// PriceRefresher periodically pulls prices from oracle capabilities for
// every pair whose cached price is due.
type PriceRefresher struct {
	agg      *aggregator.Aggregator
	interval time.Duration
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPriceRefresher creates a refresher polling every interval.
func NewPriceRefresher(agg *aggregator.Aggregator, interval time.Duration) *PriceRefresher {
	ctx, cancel := context.WithCancel(context.Background())

	return &PriceRefresher{
		agg:      agg,
		interval: interval,
		log:      logging.GetDefault().Component("price-refresher"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start starts the refresher background goroutine.
func (r *PriceRefresher) Start() {
	go r.run()
	r.log.Info("Price refresher started", "interval", r.interval)
}

// Stop stops the refresher.
func (r *PriceRefresher) Stop() {
	r.cancel()
	<-r.done
	r.log.Info("Price refresher stopped")
}

func (r *PriceRefresher) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Prices may be stale after downtime.
	r.RefreshDue(r.ctx)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.RefreshDue(r.ctx)
		}
	}
}

// RefreshDue refreshes every due price and returns how many succeeded.
// Failures are logged and retried on the next pass.
func (r *PriceRefresher) RefreshDue(ctx context.Context) int {
	due, err := r.agg.PricesDue(ctx)
	if err != nil {
		r.log.Warn("Failed to list due prices", "error", err)
		return 0
	}

	refreshed := 0
	for _, o := range due {
		if ctx.Err() != nil {
			break
		}
		price, err := r.agg.RefreshPrice(ctx, o.ChainID, o.Token)
		if err != nil {
			r.log.Warn("Price refresh failed", "chain", o.ChainID, "token", o.Token, "oracle", o.Oracle, "error", err)
			continue
		}
		refreshed++
		r.log.Debug("Price refreshed", "chain", o.ChainID, "token", o.Token, "price", price)
	}

	if refreshed > 0 {
		r.log.Info("Refreshed prices", "count", refreshed, "due", len(due))
	}
	return refreshed
}
