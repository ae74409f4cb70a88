// Package chain defines the capabilities the aggregator consumes from the
// outside world: per-chain bridge adapters, fungible tokens and price oracles.
// Registered records refer to capabilities by reference name; the names are
// resolved through a Capabilities registry when an operation runs.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Capability errors
var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoPrice           = errors.New("no price available")
)

// Adapter moves funds into and out of escrow on one chain.
type Adapter interface {
	LockFunds(ctx context.Context, token string, amount uint64, sender, recipient string) error
	ReleaseFunds(ctx context.Context, token string, amount uint64, sender, recipient string) error
}

// Oracle reports the current price of a token.
type Oracle interface {
	GetPrice(ctx context.Context, token string) (uint64, error)
}

// Token is a fungible token contract.
type Token interface {
	Transfer(ctx context.Context, amount uint64, sender, recipient string) error
	Approve(ctx context.Context, owner, spender string, amount uint64) error
	Mint(ctx context.Context, recipient string, amount uint64) error
}

// Kind names a capability family.
type Kind string

const (
	KindAdapter Kind = "adapter"
	KindOracle  Kind = "oracle"
	KindToken   Kind = "token"
)

// Capabilities maps reference names to capability implementations.
// It is safe for concurrent use.
type Capabilities struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	oracles  map[string]Oracle
	tokens   map[string]Token
}

// NewCapabilities returns an empty registry.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		adapters: make(map[string]Adapter),
		oracles:  make(map[string]Oracle),
		tokens:   make(map[string]Token),
	}
}

// RegisterAdapter binds ref to an adapter, replacing any previous binding.
func (c *Capabilities) RegisterAdapter(ref string, a Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[ref] = a
}

// RegisterOracle binds ref to an oracle.
func (c *Capabilities) RegisterOracle(ref string, o Oracle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.oracles[ref] = o
}

// RegisterToken binds ref to a token.
func (c *Capabilities) RegisterToken(ref string, t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[ref] = t
}

// Adapter resolves an adapter reference.
func (c *Capabilities) Adapter(ref string) (Adapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.adapters[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownCapability, KindAdapter, ref)
	}
	return a, nil
}

// Oracle resolves an oracle reference.
func (c *Capabilities) Oracle(ref string) (Oracle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.oracles[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownCapability, KindOracle, ref)
	}
	return o, nil
}

// Token resolves a token reference.
func (c *Capabilities) Token(ref string) (Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownCapability, KindToken, ref)
	}
	return t, nil
}

// Refs returns the sorted reference names registered for kind.
func (c *Capabilities) Refs(kind Kind) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var refs []string
	switch kind {
	case KindAdapter:
		for ref := range c.adapters {
			refs = append(refs, ref)
		}
	case KindOracle:
		for ref := range c.oracles {
			refs = append(refs, ref)
		}
	case KindToken:
		for ref := range c.tokens {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs
}
