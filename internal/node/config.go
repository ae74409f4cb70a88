// Package node assembles the liquidity daemon: storage, block clock,
// capabilities, the aggregator core and its background workers.
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingon-liquidity/internal/backend"
	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
)

// Config holds all configuration for the daemon.
type Config struct {
	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// JSON-RPC API
	API APIConfig `yaml:"api"`

	// Protocol holds the governance values written on first start and the
	// planner limits.
	Protocol ProtocolConfig `yaml:"protocol"`

	// Clock is the reference chain whose height measures timeouts.
	Clock *backend.Config `yaml:"clock"`

	// Background workers
	Monitor MonitorConfig `yaml:"monitor"`
	Prices  PricesConfig  `yaml:"prices"`

	// Capabilities binds the references stored in chain, pool and oracle
	// records to implementations.
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`

	// Driver is the SQLite driver: "sqlite3" (cgo) or "sqlite" (pure Go).
	Driver string `yaml:"driver,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for console only).
	File string `yaml:"file"`
}

// APIConfig holds JSON-RPC server settings.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// ProtocolConfig holds protocol settings.
type ProtocolConfig struct {
	Owner    string `yaml:"owner"`
	Custody  string `yaml:"custody,omitempty"`
	Treasury string `yaml:"treasury,omitempty"`

	ProtocolFeeBps       uint16 `yaml:"protocol_fee_bps"`
	MaxSlippageBps       uint16 `yaml:"max_slippage_bps"`
	DefaultTimeoutBlocks uint64 `yaml:"default_timeout_blocks"`

	MaxRouteHops   int    `yaml:"max_route_hops"`
	RouteTTLBlocks uint64 `yaml:"route_ttl_blocks"`

	// StakeToken is the token capability used for relayer stakes.
	StakeToken string `yaml:"stake_token,omitempty"`
}

// Defaults returns the governance values for the parameter singleton.
func (p ProtocolConfig) Defaults() config.ProtocolDefaults {
	return config.ProtocolDefaults{
		ProtocolFeeBps:       p.ProtocolFeeBps,
		MaxSlippageBps:       p.MaxSlippageBps,
		DefaultTimeoutBlocks: p.DefaultTimeoutBlocks,
	}
}

// MonitorConfig holds swap monitor settings.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`

	// AutoRefund refunds expired swaps as soon as they are seen.
	AutoRefund bool `yaml:"auto_refund"`
}

// PricesConfig holds price refresher settings.
type PricesConfig struct {
	// RefreshInterval is how often due prices are pulled. 0 disables.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// CapabilitiesConfig lists capability implementations by reference name.
type CapabilitiesConfig struct {
	Adapters []LocalAdapterConfig `yaml:"adapters,omitempty"`
	Tokens   []LocalTokenConfig   `yaml:"tokens,omitempty"`
	Oracles  []StaticOracleConfig `yaml:"oracles,omitempty"`
	EVM      []EVMConfig          `yaml:"evm,omitempty"`
}

// Balance is an initial holding.
type Balance struct {
	Token   string `yaml:"token,omitempty"`
	Address string `yaml:"address"`
	Amount  uint64 `yaml:"amount"`
}

// LocalAdapterConfig describes an in-process escrow adapter.
type LocalAdapterConfig struct {
	Name     string    `yaml:"name"`
	Balances []Balance `yaml:"balances,omitempty"`
}

// LocalTokenConfig describes an in-process token. Mint balances ignore Token.
type LocalTokenConfig struct {
	Name   string    `yaml:"name"`
	Symbol string    `yaml:"symbol"`
	Mint   []Balance `yaml:"mint,omitempty"`
}

// StaticOracleConfig describes an operator-priced oracle.
type StaticOracleConfig struct {
	Name   string            `yaml:"name"`
	Prices map[string]uint64 `yaml:"prices"`
}

// EVMConfig describes capabilities backed by an EVM JSON-RPC node.
type EVMConfig struct {
	RPCURL string `yaml:"rpc_url"`

	// KeyEnv names the environment variable holding the signing key.
	// Without a key the client can only read.
	KeyEnv       string `yaml:"key_env,omitempty"`
	WaitReceipts bool   `yaml:"wait_receipts"`

	// Tokens maps token capability names to ERC-20 contract addresses.
	Tokens map[string]string `yaml:"tokens,omitempty"`

	// Escrow registers an adapter moving the listed symbols' ERC-20s.
	Escrow *EVMEscrowConfig `yaml:"escrow,omitempty"`

	// PriceFeed registers an oracle reading aggregator round data.
	PriceFeed *EVMPriceFeedConfig `yaml:"price_feed,omitempty"`
}

// EVMEscrowConfig maps token symbols to ERC-20 contracts.
type EVMEscrowConfig struct {
	Name   string            `yaml:"name"`
	Tokens map[string]string `yaml:"tokens"`
}

// EVMPriceFeedConfig maps token symbols to price feed contracts.
type EVMPriceFeedConfig struct {
	Name  string            `yaml:"name"`
	Feeds map[string]string `yaml:"feeds"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	defaults := config.DefaultProtocolDefaults()
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.klingon-liquidity",
			Driver:  storage.DriverCGO,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8645",
		},
		Protocol: ProtocolConfig{
			Owner:                "admin",
			ProtocolFeeBps:       defaults.ProtocolFeeBps,
			MaxSlippageBps:       defaults.MaxSlippageBps,
			DefaultTimeoutBlocks: defaults.DefaultTimeoutBlocks,
			MaxRouteHops:         config.DefaultMaxRouteHops,
		},
		Clock: backend.DefaultConfig(),
		Monitor: MonitorConfig{
			Interval: 30 * time.Second,
		},
		Prices: PricesConfig{
			RefreshInterval: time.Minute,
		},
	}
}

// Validate checks values the aggregator would otherwise reject at start.
func (c *Config) Validate() error {
	p := c.Protocol
	if p.Owner == "" {
		return fmt.Errorf("protocol.owner is required")
	}
	if p.ProtocolFeeBps > config.MaxProtocolFeeBps {
		return fmt.Errorf("protocol.protocol_fee_bps %d exceeds %d", p.ProtocolFeeBps, config.MaxProtocolFeeBps)
	}
	if p.MaxSlippageBps > config.MaxSlippageBps {
		return fmt.Errorf("protocol.max_slippage_bps %d exceeds %d", p.MaxSlippageBps, config.MaxSlippageBps)
	}
	if p.DefaultTimeoutBlocks > config.MaxTimeoutBlocks {
		return fmt.Errorf("protocol.default_timeout_blocks %d exceeds %d", p.DefaultTimeoutBlocks, config.MaxTimeoutBlocks)
	}
	if p.MaxRouteHops != 0 && (p.MaxRouteHops < 2 || p.MaxRouteHops > config.AbsoluteMaxRouteHops) {
		return fmt.Errorf("protocol.max_route_hops %d outside [2, %d]", p.MaxRouteHops, config.AbsoluteMaxRouteHops)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Prices.RefreshInterval < 0 {
		return fmt.Errorf("prices.refresh_interval must not be negative")
	}
	return nil
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	return LoadConfigFile(dataDir, ConfigPath(dataDir))
}

// LoadConfigFile loads configuration from path, creating it with defaults
// rooted at dataDir if it doesn't exist.
func LoadConfigFile(dataDir, path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = backend.DefaultConfig()
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Klingon Liquidity Daemon Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
