package rpc

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/klingon-liquidity/internal/aggregator"
	"github.com/klingon-exchange/klingon-liquidity/internal/config"
	"github.com/klingon-exchange/klingon-liquidity/internal/node"
	"github.com/klingon-exchange/klingon-liquidity/internal/storage"
	"github.com/klingon-exchange/klingon-liquidity/pkg/helpers"
)

// Version of the daemon.
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	*node.Info
	Version   string `json:"version"`
	DataDir   string `json:"data_dir"`
	WSClients int    `json:"ws_clients"`
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	info, err := s.node.Info(ctx)
	if err != nil {
		return nil, err
	}
	return &NodeInfoResult{
		Info:      info,
		Version:   Version,
		DataDir:   s.node.Config().Storage.DataDir,
		WSClients: s.wsHub.ClientCount(),
	}, nil
}

// ========================================
// Events
// ========================================

// EventsListParams is the request for events_list.
type EventsListParams struct {
	Subject  string `json:"subject,omitempty"`
	AfterSeq uint64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// EventsListResult is the response for events_list.
type EventsListResult struct {
	Events []*storage.Event `json:"events"`
	Count  int              `json:"count"`
}

func (s *Server) eventsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EventsListParams
	if len(params) > 0 {
		if err := parseParams(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Limit == 0 {
		p.Limit = 100
	}

	events, err := s.agg.ListEvents(ctx, p.Subject, p.AfterSeq, p.Limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*storage.Event{}
	}
	return &EventsListResult{Events: events, Count: len(events)}, nil
}

// ========================================
// HTLC helpers
// ========================================

// HTLCSecretResult is the response for htlc_newSecret.
type HTLCSecretResult struct {
	Preimage string `json:"preimage"`
	HashLock string `json:"hash_lock"`
}

// htlcNewSecret generates a random preimage and its SHA-256 hash-lock.
// Nothing is stored; the caller keeps the preimage until execution.
func (s *Server) htlcNewSecret(ctx context.Context, params json.RawMessage) (interface{}, error) {
	preimage, err := helpers.GenerateSecureRandom(config.HashLockSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	hash := sha256.Sum256(preimage)
	return &HTLCSecretResult{
		Preimage: helpers.BytesToHex(preimage),
		HashLock: helpers.BytesToHex(hash[:]),
	}, nil
}

// ========================================
// Shared results
// ========================================

// SuccessResult acknowledges a mutating call that returns no record.
type SuccessResult struct {
	Success bool `json:"success"`
}

var success = &SuccessResult{Success: true}

// found turns the nil result of an aggregator lookup into a NotFound error.
func found[T any](v *T, err error, what string) (*T, error) {
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", aggregator.ErrNotFound, what)
	}
	return v, nil
}

// requireCaller rejects a mutating call without a caller principal.
func requireCaller(caller string) error {
	if caller == "" {
		return fmt.Errorf("%w: caller is required", errInvalidParams)
	}
	return nil
}

// hexParam decodes a 0x-prefixed hex request value.
func hexParam(name, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: %s is required", errInvalidParams, name)
	}
	b, err := helpers.HexToBytes(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errInvalidParams, name, err)
	}
	return b, nil
}
