package node

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klingon-exchange/klingon-liquidity/internal/backend"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Protocol.Owner != "admin" {
		t.Errorf("expected owner admin, got %s", cfg.Protocol.Owner)
	}

	if cfg.Protocol.ProtocolFeeBps != 30 {
		t.Errorf("expected fee 30, got %d", cfg.Protocol.ProtocolFeeBps)
	}

	if cfg.Protocol.MaxSlippageBps != 100 {
		t.Errorf("expected slippage 100, got %d", cfg.Protocol.MaxSlippageBps)
	}

	if cfg.Protocol.DefaultTimeoutBlocks != 144 {
		t.Errorf("expected timeout 144, got %d", cfg.Protocol.DefaultTimeoutBlocks)
	}

	if cfg.Protocol.MaxRouteHops != 4 {
		t.Errorf("expected max hops 4, got %d", cfg.Protocol.MaxRouteHops)
	}

	if cfg.Clock == nil || cfg.Clock.Type != backend.TypeLocal {
		t.Errorf("expected local clock, got %+v", cfg.Clock)
	}

	if cfg.Monitor.Interval != 30*time.Second {
		t.Errorf("expected monitor interval 30s, got %v", cfg.Monitor.Interval)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no owner", func(c *Config) { c.Protocol.Owner = "" }},
		{"fee", func(c *Config) { c.Protocol.ProtocolFeeBps = 501 }},
		{"slippage", func(c *Config) { c.Protocol.MaxSlippageBps = 10001 }},
		{"timeout", func(c *Config) { c.Protocol.DefaultTimeoutBlocks = 1_000_001 }},
		{"hops low", func(c *Config) { c.Protocol.MaxRouteHops = 1 }},
		{"hops high", func(c *Config) { c.Protocol.MaxRouteHops = 9 }},
		{"monitor", func(c *Config) { c.Monitor.Interval = 0 }},
		{"prices", func(c *Config) { c.Prices.RefreshInterval = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	configPath := filepath.Join(tmpDir, ConfigFileName)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("expected DataDir %s, got %s", tmpDir, cfg.Storage.DataDir)
	}

	// The written file loads back to the same values.
	again, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() second call error = %v", err)
	}
	if again.Monitor.Interval != cfg.Monitor.Interval {
		t.Errorf("monitor interval changed: %v != %v", again.Monitor.Interval, cfg.Monitor.Interval)
	}
	if again.Clock.BlockTime != cfg.Clock.BlockTime {
		t.Errorf("clock block time changed: %v != %v", again.Clock.BlockTime, cfg.Clock.BlockTime)
	}
}

func TestLoadConfigReadsExisting(t *testing.T) {
	tmpDir := t.TempDir()

	customConfig := `logging:
  level: debug
protocol:
  owner: SP-operator
  treasury: SP-treasury
  protocol_fee_bps: 50
  route_ttl_blocks: 12
clock:
  type: mempool
  url: https://mempool.space/api
monitor:
  interval: 10s
  auto_refund: true
capabilities:
  adapters:
    - name: stacks-escrow
      balances:
        - token: stx
          address: SP-custody
          amount: 1000
  tokens:
    - name: stx-token
      symbol: stx
      mint:
        - address: SP-alice
          amount: 500
  oracles:
    - name: static
      prices:
        stx: 1000000
`
	configPath := filepath.Join(tmpDir, ConfigFileName)
	if err := os.WriteFile(configPath, []byte(customConfig), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug log level, got %s", cfg.Logging.Level)
	}

	if cfg.Protocol.Owner != "SP-operator" || cfg.Protocol.Treasury != "SP-treasury" {
		t.Errorf("unexpected protocol: %+v", cfg.Protocol)
	}

	if cfg.Protocol.ProtocolFeeBps != 50 {
		t.Errorf("expected fee 50, got %d", cfg.Protocol.ProtocolFeeBps)
	}

	// Unset values keep their defaults.
	if cfg.Protocol.DefaultTimeoutBlocks != 144 {
		t.Errorf("expected default timeout 144, got %d", cfg.Protocol.DefaultTimeoutBlocks)
	}

	if cfg.Clock.Type != backend.TypeMempool || cfg.Clock.URL != "https://mempool.space/api" {
		t.Errorf("unexpected clock: %+v", cfg.Clock)
	}

	if cfg.Monitor.Interval != 10*time.Second || !cfg.Monitor.AutoRefund {
		t.Errorf("unexpected monitor: %+v", cfg.Monitor)
	}

	caps := cfg.Capabilities
	if len(caps.Adapters) != 1 || caps.Adapters[0].Balances[0].Amount != 1000 {
		t.Errorf("unexpected adapters: %+v", caps.Adapters)
	}
	if len(caps.Tokens) != 1 || caps.Tokens[0].Mint[0].Address != "SP-alice" {
		t.Errorf("unexpected tokens: %+v", caps.Tokens)
	}
	if len(caps.Oracles) != 1 || caps.Oracles[0].Prices["stx"] != 1000000 {
		t.Errorf("unexpected oracles: %+v", caps.Oracles)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), []byte("protocol: [unclosed"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := LoadConfig(tmpDir); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfigSave(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Protocol.Owner = "SP-operator"
	cfg.Logging.Level = "debug"

	configPath := filepath.Join(tmpDir, "nested", "test-config.yaml")
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}

	content := string(data)
	if !strings.HasPrefix(content, "# Klingon Liquidity Daemon Configuration") {
		t.Error("config file missing header comment")
	}

	if !strings.Contains(content, "owner: SP-operator") {
		t.Error("config file missing owner")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.klingon-liquidity", filepath.Join(home, ".klingon-liquidity")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		got := expandPath(tt.input)
		if got != tt.expected {
			t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestConfigPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		dataDir  string
		expected string
	}{
		{"~/.klingon-liquidity", filepath.Join(home, ".klingon-liquidity", ConfigFileName)},
		{"/tmp/test", filepath.Join("/tmp/test", ConfigFileName)},
	}

	for _, tt := range tests {
		got := ConfigPath(tt.dataDir)
		if got != tt.expected {
			t.Errorf("ConfigPath(%q) = %q, want %q", tt.dataDir, got, tt.expected)
		}
	}
}
