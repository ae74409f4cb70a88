package node

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-liquidity/internal/aggregator"
	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/pkg/logging"
)

// SwapMonitor watches for pending swaps past their deadline. Each one is
// announced once with a swap_refundable event and, with auto-refund
// enabled, refunded to its initiator.
type SwapMonitor struct {
	agg        *aggregator.Aggregator
	interval   time.Duration
	autoRefund bool
	caller     string
	log        *logging.Logger

	mu       sync.Mutex
	notified map[uint64]bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSwapMonitor creates a monitor. caller is the principal recorded on
// automatic refunds.
func NewSwapMonitor(agg *aggregator.Aggregator, cfg MonitorConfig, caller string) *SwapMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}

	return &SwapMonitor{
		agg:        agg,
		interval:   interval,
		autoRefund: cfg.AutoRefund,
		caller:     caller,
		log:        logging.GetDefault().Component("swap-monitor"),
		notified:   make(map[uint64]bool),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start starts the monitor.
func (m *SwapMonitor) Start() {
	go m.run()
	m.log.Info("Swap monitor started", "interval", m.interval, "auto_refund", m.autoRefund)
}

// Stop stops the monitor and waits for the current pass to finish.
func (m *SwapMonitor) Stop() {
	m.cancel()
	<-m.done
	m.log.Info("Swap monitor stopped")
}

func (m *SwapMonitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(m.ctx)
		}
	}
}

// CheckNow runs one pass and returns the number of swaps announced.
func (m *SwapMonitor) CheckNow(ctx context.Context) int {
	swaps, err := m.agg.RefundableSwaps(ctx)
	if err != nil {
		m.log.Warn("Failed to list refundable swaps", "error", err)
		return 0
	}

	announced := 0
	for _, s := range swaps {
		if m.announce(ctx, s.SwapID, config.Deadline(s.CreatedBlock, s.TimeoutBlocks), s.Amount) {
			announced++
		}

		if !m.autoRefund {
			continue
		}
		if _, err := m.agg.RefundSwap(ctx, m.caller, s.SwapID); err != nil {
			m.log.Warn("Automatic refund failed", "swap_id", s.SwapID, "error", err)
			continue
		}
		m.log.Info("Swap refunded automatically", "swap_id", s.SwapID, "initiator", s.Initiator)
	}
	return announced
}

// announce records swap_refundable for swapID unless one already exists.
func (m *SwapMonitor) announce(ctx context.Context, swapID, deadline, amount uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.notified[swapID] {
		return false
	}

	subject := aggregator.SwapSubject(swapID)
	events, err := m.agg.ListEvents(ctx, subject, 0, 0)
	if err != nil {
		m.log.Warn("Failed to read swap events", "swap_id", swapID, "error", err)
		return false
	}
	for _, e := range events {
		if e.Type == aggregator.EventSwapRefundable {
			m.notified[swapID] = true
			return false
		}
	}

	err = m.agg.RecordEvent(ctx, aggregator.EventSwapRefundable, subject, map[string]uint64{
		"deadline": deadline,
		"amount":   amount,
	})
	if err != nil {
		m.log.Warn("Failed to record refundable swap", "swap_id", swapID, "error", err)
		return false
	}

	m.notified[swapID] = true
	m.log.Info("Swap refundable", "swap_id", swapID, "deadline", deadline)
	return true
}
