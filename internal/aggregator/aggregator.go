// Package aggregator implements the cross-chain liquidity aggregator: the
// chain, pool, mapping, oracle and relayer registries, the liquidity ledger,
// the route planner, the HTLC swap engine and protocol governance.
//
// Every mutating operation runs as one storage transaction and makes at most
// one external capability call (a token transfer, an escrow lock or
// release). The call is registered with op.settle and runs after every
// storage write of the operation, immediately before commit. A failed call
// rolls the transaction back; a failed write means the call never happens.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-liquidity/internal/chain"
	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
	"github.com/klingon-exchange/klingon-liquidity/pkg/logging"
)

// Clock reports the current block height of the reference chain.
type Clock interface {
	BlockHeight(ctx context.Context) (uint64, error)
}

// Event is a persisted audit record, also delivered to event handlers.
type Event = storage.Event

// EventHandler receives events after their operation commits.
type EventHandler func(event *Event)

// Config holds aggregator configuration.
type Config struct {
	Store        *storage.Storage
	Capabilities *chain.Capabilities
	Clock        Clock

	// Owner is the administrator principal, stored on first start.
	Owner string

	// Custody is the principal holding pooled and escrowed funds.
	Custody string

	// StakeToken is the token capability reference used for relayer
	// stakes. Empty means stakes are bookkeeping only.
	StakeToken string

	Defaults config.ProtocolDefaults

	// MaxRouteHops bounds planner paths; 0 means config.DefaultMaxRouteHops.
	MaxRouteHops int

	// RouteTTLBlocks rejects routes older than this many blocks at
	// initiation; 0 disables the check.
	RouteTTLBlocks uint64

	// Now overrides the wall clock.
	Now func() time.Time
}

// Aggregator is the liquidity aggregator core.
type Aggregator struct {
	store      *storage.Storage
	caps       *chain.Capabilities
	clock      Clock
	custody    string
	stakeToken string
	maxHops    int
	routeTTL   uint64
	now        func() time.Time

	mu            sync.RWMutex
	eventHandlers []EventHandler

	log *logging.Logger
}

// New creates an aggregator and writes the protocol parameter singleton on
// first start.
func New(ctx context.Context, cfg *Config) (*Aggregator, error) {
	if cfg.Store == nil || cfg.Capabilities == nil || cfg.Clock == nil {
		return nil, errors.New("aggregator: store, capabilities and clock are required")
	}
	if cfg.Owner == "" {
		return nil, errors.New("aggregator: owner is required")
	}

	maxHops := cfg.MaxRouteHops
	if maxHops == 0 {
		maxHops = config.DefaultMaxRouteHops
	}
	if maxHops < 2 || maxHops > config.AbsoluteMaxRouteHops {
		return nil, fmt.Errorf("aggregator: max route hops %d outside [2, %d]", maxHops, config.AbsoluteMaxRouteHops)
	}
	if cfg.Defaults.DefaultTimeoutBlocks > config.MaxTimeoutBlocks {
		return nil, fmt.Errorf("aggregator: default timeout %d exceeds %d blocks", cfg.Defaults.DefaultTimeoutBlocks, config.MaxTimeoutBlocks)
	}

	custody := cfg.Custody
	if custody == "" {
		custody = cfg.Owner
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	a := &Aggregator{
		store:      cfg.Store,
		caps:       cfg.Capabilities,
		clock:      cfg.Clock,
		custody:    custody,
		stakeToken: cfg.StakeToken,
		maxHops:    maxHops,
		routeTTL:   cfg.RouteTTLBlocks,
		now:        now,
		log:        logging.GetDefault().Component("aggregator"),
	}

	if err := a.bootstrap(ctx, cfg.Owner, cfg.Defaults); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Aggregator) bootstrap(ctx context.Context, owner string, defaults config.ProtocolDefaults) error {
	if defaults.DefaultTimeoutBlocks == 0 {
		defaults = config.DefaultProtocolDefaults()
	}
	if defaults.ProtocolFeeBps > config.MaxProtocolFeeBps || defaults.MaxSlippageBps > config.MaxSlippageBps {
		return fmt.Errorf("aggregator: protocol defaults out of range: %+v", defaults)
	}

	return a.update(ctx, func(o *op) error {
		p, err := o.tx.GetParams()
		if err == nil {
			if p.Owner != owner {
				a.log.Warn("Configured owner differs from stored owner; keeping stored owner",
					"configured", owner, "stored", p.Owner)
			}
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		a.log.Info("Writing initial protocol parameters", "owner", owner)
		return o.tx.PutParams(&storage.Params{
			Owner:                owner,
			ProtocolFeeBps:       defaults.ProtocolFeeBps,
			MaxSlippageBps:       defaults.MaxSlippageBps,
			DefaultTimeoutBlocks: defaults.DefaultTimeoutBlocks,
			UpdatedBlock:         o.block,
		})
	})
}

// OnEvent registers an event handler.
func (a *Aggregator) OnEvent(handler EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventHandlers = append(a.eventHandlers, handler)
}

// publish delivers committed events to all handlers.
func (a *Aggregator) publish(events []*Event) {
	if len(events) == 0 {
		return
	}

	a.mu.RLock()
	handlers := make([]EventHandler, len(a.eventHandlers))
	copy(handlers, a.eventHandlers)
	a.mu.RUnlock()

	for _, e := range events {
		for _, handler := range handlers {
			go handler(e)
		}
	}
}

// Custody returns the custody principal.
func (a *Aggregator) Custody() string {
	return a.custody
}

// MaxRouteHops returns the planner's path length limit.
func (a *Aggregator) MaxRouteHops() int {
	return a.maxHops
}

// CurrentBlock returns the clock's current height.
func (a *Aggregator) CurrentBlock(ctx context.Context) (uint64, error) {
	block, err := a.clock.BlockHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read block height: %w", err)
	}
	return block, nil
}

// op is the state of one mutating operation.
type op struct {
	tx     *storage.Tx
	block  uint64
	now    time.Time
	events []*Event

	settleName string
	settleCall func() error
}

// settle registers the operation's external call. update runs it once the
// operation function has returned without error.
func (o *op) settle(name string, call func() error) error {
	if o.settleCall != nil {
		return fmt.Errorf("%s: %s already settles this operation", name, o.settleName)
	}
	o.settleName = name
	o.settleCall = call
	return nil
}

// emit records an event in the operation's transaction.
func (o *op) emit(eventType, subject string, data interface{}) error {
	e := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Subject:   subject,
		Block:     o.block,
		CreatedAt: o.now,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		e.Data = raw
	}
	if err := o.tx.InsertEvent(e); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	o.events = append(o.events, e)
	return nil
}

// update runs fn as one write transaction at the current block, then the
// external call fn registered, then commits and publishes the events.
func (a *Aggregator) update(ctx context.Context, fn func(o *op) error) error {
	block, err := a.CurrentBlock(ctx)
	if err != nil {
		return err
	}

	o := &op{block: block, now: a.now()}
	err = a.store.Update(ctx, func(tx *storage.Tx) error {
		o.tx = tx
		o.events = o.events[:0]
		o.settleName, o.settleCall = "", nil
		if err := fn(o); err != nil {
			return err
		}
		if o.settleCall == nil {
			return nil
		}
		return capabilityErr(o.settleName, o.settleCall())
	})
	if err != nil {
		return err
	}

	a.publish(o.events)
	return nil
}

// view runs fn as a read transaction.
func (a *Aggregator) view(ctx context.Context, fn func(tx *storage.Tx) error) error {
	return a.store.View(ctx, fn)
}

// params loads the protocol parameter singleton.
func params(tx *storage.Tx) (*storage.Params, error) {
	p, err := tx.GetParams()
	if err != nil {
		return nil, fmt.Errorf("failed to load protocol parameters: %w", err)
	}
	return p, nil
}

// requireOwner loads parameters and checks caller is the owner.
func requireOwner(tx *storage.Tx, caller string) (*storage.Params, error) {
	p, err := params(tx)
	if err != nil {
		return nil, err
	}
	if caller != p.Owner {
		return nil, fmt.Errorf("%w: %s is not the owner", ErrUnauthorized, caller)
	}
	return p, nil
}

// requireRunning fails during emergency shutdown.
func requireRunning(p *storage.Params) error {
	if p.EmergencyShutdown {
		return ErrEmergencyShutdownActive
	}
	return nil
}

// RecordEvent persists and publishes an event outside any other operation.
func (a *Aggregator) RecordEvent(ctx context.Context, eventType, subject string, data interface{}) error {
	return a.update(ctx, func(o *op) error {
		return o.emit(eventType, subject, data)
	})
}

// ListEvents returns persisted events with seq greater than afterSeq.
func (a *Aggregator) ListEvents(ctx context.Context, subject string, afterSeq uint64, limit int) ([]*Event, error) {
	var events []*Event
	if afterSeq >= config.MaxStoredValue {
		return events, nil
	}
	err := a.view(ctx, func(tx *storage.Tx) error {
		var err error
		events, err = tx.ListEvents(subject, afterSeq, limit)
		return err
	})
	return events, err
}

// optional turns a storage ErrNotFound into an absent result.
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return v, err
}
