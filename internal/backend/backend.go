// Package backend provides block-height sources. The aggregator measures
// swap timeouts and route age in blocks of a reference chain; a backend
// reports that chain's current tip height.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
	TypeEVM     Type = "evm"     // EVM JSON-RPC node
	TypeLocal   Type = "local"   // wall-clock derived heights
)

// HeightSource reports the current block height of a chain.
type HeightSource interface {
	// Type returns the backend type.
	Type() Type

	// BlockHeight returns the current tip height.
	BlockHeight(ctx context.Context) (uint64, error)

	// Close releases any connection held by the source.
	Close() error
}

// Config contains backend configuration.
type Config struct {
	Type Type   `yaml:"type"`
	URL  string `yaml:"url,omitempty"`

	// Local clock settings
	BlockTime   time.Duration `yaml:"block_time,omitempty"`
	StartHeight uint64        `yaml:"start_height,omitempty"`

	// Optional settings
	Timeout int `yaml:"timeout,omitempty"` // seconds, default 30
}

// DefaultConfig returns a local clock producing one block every ten minutes.
func DefaultConfig() *Config {
	return &Config{
		Type:      TypeLocal,
		BlockTime: 10 * time.Minute,
	}
}

// New creates the height source described by cfg.
func New(ctx context.Context, cfg *Config) (HeightSource, error) {
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	switch cfg.Type {
	case TypeMempool:
		return NewMempoolBackend(cfg.URL, timeout), nil
	case TypeEsplora:
		return NewEsploraBackend(cfg.URL, timeout), nil
	case TypeEVM:
		return DialEVM(ctx, cfg.URL)
	case TypeLocal, "":
		return NewLocalClock(cfg.StartHeight, cfg.BlockTime), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// Cached wraps a HeightSource and reuses the last height for ttl. When the
// underlying source fails, the last known height is served and the error
// is returned only if no height was ever fetched.
type Cached struct {
	source HeightSource
	ttl    time.Duration

	mu      sync.Mutex
	height  uint64
	fetched time.Time
	now     func() time.Time
}

// NewCached creates a caching wrapper.
func NewCached(source HeightSource, ttl time.Duration) *Cached {
	return &Cached{source: source, ttl: ttl, now: time.Now}
}

func (c *Cached) Type() Type {
	return c.source.Type()
}

func (c *Cached) BlockHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetched.IsZero() && c.now().Sub(c.fetched) < c.ttl {
		return c.height, nil
	}

	height, err := c.source.BlockHeight(ctx)
	if err != nil {
		if c.fetched.IsZero() {
			return 0, err
		}
		return c.height, nil
	}

	// Heights never move backwards through the cache.
	if height > c.height {
		c.height = height
	}
	c.fetched = c.now()
	return c.height, nil
}

func (c *Cached) Close() error {
	return c.source.Close()
}
