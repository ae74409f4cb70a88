package node

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-liquidity/internal/chain"
	"github.com/klingon-exchange/klingon-liquidity/internal/contracts/evm"
	"github.com/klingon-exchange/klingon-liquidity/pkg/helpers"
	"github.com/klingon-exchange/klingon-liquidity/pkg/logging"
)

// buildCapabilities instantiates every configured capability. The returned
// closers release EVM connections.
func buildCapabilities(ctx context.Context, cfg *CapabilitiesConfig, log *logging.Logger) (*chain.Capabilities, []func(), error) {
	caps := chain.NewCapabilities()
	var closers []func()

	for _, a := range cfg.Adapters {
		if a.Name == "" {
			return nil, nil, fmt.Errorf("adapter without a name")
		}
		adapter := chain.NewLocalAdapter(a.Name)
		for _, b := range a.Balances {
			adapter.Credit(b.Token, b.Address, b.Amount)
		}
		caps.RegisterAdapter(a.Name, adapter)
	}

	for _, t := range cfg.Tokens {
		if t.Name == "" {
			return nil, nil, fmt.Errorf("token without a name")
		}
		symbol := t.Symbol
		if symbol == "" {
			symbol = t.Name
		}
		tok := chain.NewLocalToken(symbol)
		for _, b := range t.Mint {
			if err := tok.Mint(ctx, b.Address, b.Amount); err != nil {
				return nil, nil, fmt.Errorf("failed to mint %s: %w", t.Name, err)
			}
		}
		caps.RegisterToken(t.Name, tok)
	}

	for _, o := range cfg.Oracles {
		if o.Name == "" {
			return nil, nil, fmt.Errorf("oracle without a name")
		}
		caps.RegisterOracle(o.Name, chain.NewStaticOracle(o.Prices))
	}

	for _, e := range cfg.EVM {
		client, err := dialEVM(ctx, &e)
		if err != nil {
			closeAll(closers)
			return nil, nil, err
		}
		closers = append(closers, client.Close)

		if err := registerEVM(ctx, caps, client, &e, log); err != nil {
			closeAll(closers)
			return nil, nil, err
		}
	}

	return caps, closers, nil
}

func dialEVM(ctx context.Context, cfg *EVMConfig) (*evm.Client, error) {
	var key string
	if cfg.KeyEnv != "" {
		key = os.Getenv(cfg.KeyEnv)
		if key == "" {
			return nil, fmt.Errorf("environment variable %s is empty", cfg.KeyEnv)
		}
	}

	client, err := evm.Dial(ctx, cfg.RPCURL, key)
	if err != nil {
		return nil, fmt.Errorf("evm %s: %w", cfg.RPCURL, err)
	}
	client.WaitReceipts = cfg.WaitReceipts
	return client, nil
}

// registerEVM binds the ERC-20 tokens, escrow adapter and price feed of
// one EVM endpoint.
func registerEVM(ctx context.Context, caps *chain.Capabilities, client *evm.Client, cfg *EVMConfig, log *logging.Logger) error {
	for name, addr := range cfg.Tokens {
		a, err := evm.ParseAddress(addr)
		if err != nil {
			return fmt.Errorf("token %s: %w", name, err)
		}
		token := evm.NewERC20Token(client, a)
		caps.RegisterToken(name, token)
		logTokenBalance(ctx, log, name, token, client)
	}

	if cfg.Escrow != nil {
		tokens, err := parseAddresses(cfg.Escrow.Tokens)
		if err != nil {
			return fmt.Errorf("escrow %s: %w", cfg.Escrow.Name, err)
		}
		caps.RegisterAdapter(cfg.Escrow.Name, evm.NewEscrowAdapter(client, tokens))
	}

	if cfg.PriceFeed != nil {
		feeds, err := parseAddresses(cfg.PriceFeed.Feeds)
		if err != nil {
			return fmt.Errorf("price feed %s: %w", cfg.PriceFeed.Name, err)
		}
		caps.RegisterOracle(cfg.PriceFeed.Name, evm.NewPriceFeed(client, feeds))
	}
	return nil
}

// logTokenBalance reports the signer's balance of a bound token. Lookup
// failures are not fatal; the endpoint may still be syncing.
func logTokenBalance(ctx context.Context, log *logging.Logger, name string, token *evm.ERC20Token, client *evm.Client) {
	decimals, err := token.Decimals(ctx)
	if err != nil {
		log.Warn("ERC-20 decimals unavailable", "token", name, "error", err)
		return
	}
	balance, err := token.BalanceOf(ctx, client.From())
	if err != nil {
		log.Warn("ERC-20 balance unavailable", "token", name, "error", err)
		return
	}
	log.Info("ERC-20 token bound", "token", name, "signer", client.From().Hex(),
		"balance", helpers.FormatAmount(balance, decimals), "decimals", decimals)
}

func parseAddresses(in map[string]string) (map[string]common.Address, error) {
	out := make(map[string]common.Address, len(in))
	for symbol, s := range in {
		addr, err := evm.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", symbol, err)
		}
		out[symbol] = addr
	}
	return out, nil
}

func closeAll(closers []func()) {
	for _, c := range closers {
		c()
	}
}
