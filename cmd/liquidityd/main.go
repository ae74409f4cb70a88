// Package main provides liquidityd, the cross-chain liquidity aggregator daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/klingon-exchange/klingon-liquidity/internal/node"
	"github.com/klingon-exchange/klingon-liquidity/internal/rpc"
	"github.com/klingon-exchange/klingon-liquidity/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// options holds the command-line flags shared by all commands.
type options struct {
	dataDir    string
	configFile string
	apiAddr    string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "liquidityd",
		Short:        "Cross-chain liquidity aggregator daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}
	addGlobalFlags(root.PersistentFlags(), opts)
	root.Flags().StringVar(&opts.apiAddr, "api", "", "JSON-RPC API address, overrides config")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}
	run.Flags().StringVar(&opts.apiAddr, "api", "", "JSON-RPC API address, overrides config")

	root.AddCommand(run, newConfigCommand(opts), newVersionCommand())
	return root
}

func addGlobalFlags(fs *pflag.FlagSet, opts *options) {
	fs.StringVar(&opts.dataDir, "data-dir", "~/.klingon-liquidity", "Data directory")
	fs.StringVar(&opts.configFile, "config", "", "Config file path (default: <data-dir>/config.yaml)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error), overrides config")
}

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration commands"}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(opts)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}
			cfg := node.DefaultConfig()
			cfg.Storage.DataDir = opts.dataDir
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	show := &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath(opts))
		},
	}

	cmd.AddCommand(initCmd, show)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "liquidityd %s (commit: %s)\n", version, commit)
		},
	}
}

func configPath(opts *options) string {
	if opts.configFile != "" {
		return opts.configFile
	}
	return node.ConfigPath(opts.dataDir)
}

// loadConfig reads (or creates) the config file and applies flag overrides.
// Flags take precedence over the file.
func loadConfig(flags *pflag.FlagSet, opts *options) (*node.Config, error) {
	cfg, err := node.LoadConfigFile(opts.dataDir, configPath(opts))
	if err != nil {
		return nil, err
	}

	if flags.Changed("data-dir") {
		cfg.Storage.DataDir = opts.dataDir
	}
	if flags.Changed("api") {
		cfg.API.Enabled = true
		cfg.API.ListenAddr = opts.apiAddr
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd.Flags(), opts)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", configPath(opts))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	n.Start()

	var rpcServer *rpc.Server
	if cfg.API.Enabled {
		rpcServer = rpc.NewServer(n)
		if err := rpcServer.Start(cfg.API.ListenAddr); err != nil {
			n.Stop()
			return fmt.Errorf("failed to start RPC server: %w", err)
		}
	}

	printBanner(cmd.ErrOrStderr(), n, cfg)

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := n.Info(ctx)
				if err != nil {
					log.Warn("Status unavailable", "error", err)
					continue
				}
				log.Info("Status", "height", info.BlockHeight, "uptime", info.Uptime)
			}
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	if err := n.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Goodbye!")
	return nil
}

func printBanner(w io.Writer, n *node.Node, cfg *node.Config) {
	info, err := n.Info(context.Background())
	if err != nil {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=================================================")
	fmt.Fprintf(w, "  Klingon Liquidity Daemon %s\n", version)
	fmt.Fprintln(w, "=================================================")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Owner:   %s\n", info.Owner)
	fmt.Fprintf(w, "  Custody: %s\n", info.Custody)
	fmt.Fprintf(w, "  Clock:   %s (height %d)\n", info.ClockType, info.BlockHeight)
	fmt.Fprintf(w, "  Adapters: %v | Tokens: %v | Oracles: %v\n", info.Adapters, info.Tokens, info.Oracles)
	fmt.Fprintln(w)
	if cfg.API.Enabled {
		fmt.Fprintf(w, "  API: http://%s\n", cfg.API.ListenAddr)
		fmt.Fprintf(w, "  WS:  ws://%s/ws\n", cfg.API.ListenAddr)
	}
	fmt.Fprintf(w, "  Data dir: %s\n", cfg.Storage.DataDir)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=================================================")
	fmt.Fprintln(w)
}
