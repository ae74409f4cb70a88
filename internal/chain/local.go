package chain

import (
	"context"
	"fmt"
	"sync"
)

// Movement records one balance change made by a local capability.
type Movement struct {
	Op        string
	Token     string
	Amount    uint64
	Sender    string
	Recipient string
}

// balances is a per-token, per-address ledger.
type balances struct {
	mu      sync.Mutex
	ledger  map[string]map[string]uint64
	history []Movement
}

func newBalances() *balances {
	return &balances{ledger: make(map[string]map[string]uint64)}
}

func (b *balances) credit(token, addr string, amount uint64) {
	if b.ledger[token] == nil {
		b.ledger[token] = make(map[string]uint64)
	}
	b.ledger[token][addr] += amount
}

func (b *balances) move(op, token string, amount uint64, sender, recipient string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if have := b.ledger[token][sender]; have < amount {
		return fmt.Errorf("%w: %s holds %d %s, needs %d", ErrInsufficientFunds, sender, have, token, amount)
	}
	if amount > 0 {
		b.ledger[token][sender] -= amount
		b.credit(token, recipient, amount)
	}
	b.history = append(b.history, Movement{Op: op, Token: token, Amount: amount, Sender: sender, Recipient: recipient})
	return nil
}

func (b *balances) balance(token, addr string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger[token][addr]
}

func (b *balances) movements() []Movement {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Movement, len(b.history))
	copy(out, b.history)
	return out
}

// LocalAdapter is an in-process escrow adapter keeping balances in memory.
// It is used for development networks and tests.
type LocalAdapter struct {
	Name string
	b    *balances
}

// NewLocalAdapter creates an empty in-memory adapter.
func NewLocalAdapter(name string) *LocalAdapter {
	return &LocalAdapter{Name: name, b: newBalances()}
}

// Credit adds funds to addr outside of any escrow flow.
func (a *LocalAdapter) Credit(token, addr string, amount uint64) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	a.b.credit(token, addr, amount)
}

// LockFunds moves amount from sender into recipient's custody.
func (a *LocalAdapter) LockFunds(ctx context.Context, token string, amount uint64, sender, recipient string) error {
	return a.b.move("lock", token, amount, sender, recipient)
}

// ReleaseFunds moves amount out of sender's custody to recipient.
func (a *LocalAdapter) ReleaseFunds(ctx context.Context, token string, amount uint64, sender, recipient string) error {
	return a.b.move("release", token, amount, sender, recipient)
}

// Balance returns addr's balance of token.
func (a *LocalAdapter) Balance(token, addr string) uint64 {
	return a.b.balance(token, addr)
}

// Movements returns a copy of every lock and release performed.
func (a *LocalAdapter) Movements() []Movement {
	return a.b.movements()
}

// LocalToken is an in-process fungible token.
type LocalToken struct {
	Symbol string

	b          *balances
	allowances map[string]map[string]uint64
}

// NewLocalToken creates a token with no supply.
func NewLocalToken(symbol string) *LocalToken {
	return &LocalToken{
		Symbol:     symbol,
		b:          newBalances(),
		allowances: make(map[string]map[string]uint64),
	}
}

func (t *LocalToken) Transfer(ctx context.Context, amount uint64, sender, recipient string) error {
	return t.b.move("transfer", t.Symbol, amount, sender, recipient)
}

func (t *LocalToken) Approve(ctx context.Context, owner, spender string, amount uint64) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[string]uint64)
	}
	t.allowances[owner][spender] = amount
	return nil
}

func (t *LocalToken) Mint(ctx context.Context, recipient string, amount uint64) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.b.credit(t.Symbol, recipient, amount)
	t.b.history = append(t.b.history, Movement{Op: "mint", Token: t.Symbol, Amount: amount, Recipient: recipient})
	return nil
}

// BalanceOf returns addr's balance.
func (t *LocalToken) BalanceOf(addr string) uint64 {
	return t.b.balance(t.Symbol, addr)
}

// Allowance returns how much spender may move on behalf of owner.
func (t *LocalToken) Allowance(owner, spender string) uint64 {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.allowances[owner][spender]
}

// Movements returns a copy of every transfer and mint performed.
func (t *LocalToken) Movements() []Movement {
	return t.b.movements()
}

// StaticOracle serves prices set by the operator.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]uint64
}

// NewStaticOracle creates an oracle seeded with prices.
func NewStaticOracle(prices map[string]uint64) *StaticOracle {
	o := &StaticOracle{prices: make(map[string]uint64, len(prices))}
	for token, p := range prices {
		o.prices[token] = p
	}
	return o
}

// SetPrice sets or replaces a token's price.
func (o *StaticOracle) SetPrice(token string, price uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[token] = price
}

func (o *StaticOracle) GetPrice(ctx context.Context, token string) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[token]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, token)
	}
	return p, nil
}

var (
	_ Adapter = (*LocalAdapter)(nil)
	_ Token   = (*LocalToken)(nil)
	_ Oracle  = (*StaticOracle)(nil)
)
