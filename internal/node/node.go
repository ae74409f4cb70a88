package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/klingon-exchange/klingon-liquidity/internal/aggregator"
	"github.com/klingon-exchange/klingon-liquidity/internal/backend"
	"github.com/klingon-exchange/klingon-liquidity/internal/chain"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
	"github.com/klingon-exchange/klingon-liquidity/pkg/logging"
)

// LockFileName guards the data directory against a second daemon.
const LockFileName = "liquidityd.lock"

// ErrDataDirLocked is returned when another process holds the data directory.
var ErrDataDirLocked = errors.New("data directory is in use by another process")

// clockCacheTTL bounds how often remote height sources are queried.
const clockCacheTTL = 5 * time.Second

// Node is a running liquidity daemon.
type Node struct {
	config *Config
	log    *logging.Logger

	lock    *flock.Flock
	store   *storage.Storage
	clock   backend.HeightSource
	caps    *chain.Capabilities
	agg     *aggregator.Aggregator
	closers []func()

	monitor   *SwapMonitor
	refresher *PriceRefresher

	startTime time.Time
	started   bool
	mu        sync.Mutex
}

// New opens the data directory and assembles the daemon. Nothing runs in
// the background until Start.
func New(ctx context.Context, cfg *Config) (_ *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		config: cfg,
		log:    logging.GetDefault().Component("node"),
	}
	defer func() {
		if err != nil {
			n.release()
		}
	}()

	dataDir := expandPath(cfg.Storage.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	n.lock = flock.New(filepath.Join(dataDir, LockFileName))
	locked, err := n.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		n.lock = nil
		return nil, fmt.Errorf("%w: %s", ErrDataDirLocked, dataDir)
	}

	n.store, err = storage.New(&storage.Config{DataDir: dataDir, Driver: cfg.Storage.Driver})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	clockCfg := cfg.Clock
	if clockCfg == nil {
		clockCfg = backend.DefaultConfig()
	}
	source, err := backend.New(ctx, clockCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create block clock: %w", err)
	}
	if source.Type() == backend.TypeLocal {
		n.clock = source
	} else {
		n.clock = backend.NewCached(source, clockCacheTTL)
	}

	n.caps, n.closers, err = buildCapabilities(ctx, &cfg.Capabilities, n.log)
	if err != nil {
		return nil, fmt.Errorf("failed to build capabilities: %w", err)
	}

	n.agg, err = aggregator.New(ctx, &aggregator.Config{
		Store:          n.store,
		Capabilities:   n.caps,
		Clock:          n.clock,
		Owner:          cfg.Protocol.Owner,
		Custody:        cfg.Protocol.Custody,
		StakeToken:     cfg.Protocol.StakeToken,
		Defaults:       cfg.Protocol.Defaults(),
		MaxRouteHops:   cfg.Protocol.MaxRouteHops,
		RouteTTLBlocks: cfg.Protocol.RouteTTLBlocks,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Protocol.Treasury != "" {
		if err := n.initializeTreasury(ctx); err != nil {
			return nil, err
		}
	}

	n.monitor = NewSwapMonitor(n.agg, cfg.Monitor, n.agg.Custody())
	if cfg.Prices.RefreshInterval > 0 {
		n.refresher = NewPriceRefresher(n.agg, cfg.Prices.RefreshInterval)
	}

	n.log.Info("Node assembled", "data_dir", dataDir, "clock", n.clock.Type(),
		"adapters", n.caps.Refs(chain.KindAdapter), "tokens", n.caps.Refs(chain.KindToken),
		"oracles", n.caps.Refs(chain.KindOracle))
	return n, nil
}

// initializeTreasury runs protocol initialization from config on first start.
func (n *Node) initializeTreasury(ctx context.Context) error {
	p, err := n.agg.GetParams(ctx)
	if err != nil {
		return err
	}
	if p.Initialized {
		return nil
	}
	if err := n.agg.Initialize(ctx, p.Owner, n.config.Protocol.Treasury); err != nil {
		return fmt.Errorf("failed to initialize protocol: %w", err)
	}
	return nil
}

// Start starts the background workers.
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return
	}
	n.started = true
	n.startTime = time.Now()

	n.monitor.Start()
	if n.refresher != nil {
		n.refresher.Start()
	}
}

// Stop stops the workers and releases every resource.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		n.monitor.Stop()
		if n.refresher != nil {
			n.refresher.Stop()
		}
		n.started = false
	}
	return n.release()
}

func (n *Node) release() error {
	var firstErr error
	closeAll(n.closers)
	n.closers = nil

	if n.clock != nil {
		if err := n.clock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		n.clock = nil
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		n.store = nil
	}
	if n.lock != nil {
		if err := n.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		n.lock = nil
	}
	return firstErr
}

// Aggregator returns the aggregator core.
func (n *Node) Aggregator() *aggregator.Aggregator {
	return n.agg
}

// Capabilities returns the capability registry.
func (n *Node) Capabilities() *chain.Capabilities {
	return n.caps
}

// Monitor returns the swap monitor.
func (n *Node) Monitor() *SwapMonitor {
	return n.monitor
}

// Config returns the node configuration.
func (n *Node) Config() *Config {
	return n.config
}

// Info describes the running daemon.
type Info struct {
	ClockType    backend.Type `json:"clock_type"`
	BlockHeight  uint64       `json:"block_height"`
	Owner        string       `json:"owner"`
	Custody      string       `json:"custody"`
	MaxRouteHops int          `json:"max_route_hops"`
	Adapters     []string     `json:"adapters"`
	Tokens       []string     `json:"tokens"`
	Oracles      []string     `json:"oracles"`
	Uptime       string       `json:"uptime"`
}

// Info returns the current daemon status.
func (n *Node) Info(ctx context.Context) (*Info, error) {
	height, err := n.agg.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	p, err := n.agg.GetParams(ctx)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	var uptime time.Duration
	if n.started {
		uptime = time.Since(n.startTime).Truncate(time.Second)
	}
	n.mu.Unlock()

	return &Info{
		ClockType:    n.clock.Type(),
		BlockHeight:  height,
		Owner:        p.Owner,
		Custody:      n.agg.Custody(),
		MaxRouteHops: n.agg.MaxRouteHops(),
		Adapters:     n.caps.Refs(chain.KindAdapter),
		Tokens:       n.caps.Refs(chain.KindToken),
		Oracles:      n.caps.Refs(chain.KindOracle),
		Uptime:       uptime.String(),
	}, nil
}
