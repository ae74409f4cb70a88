package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Chain is a registered blockchain.
type Chain struct {
	ChainID            string `json:"chain_id"`
	Name               string `json:"name"`
	Adapter            string `json:"adapter"`
	Confirmations      uint32 `json:"confirmations"`
	AvgBlockTime       uint32 `json:"avg_block_time"`
	NativeSymbol       string `json:"native_symbol"`
	ChainType          string `json:"chain_type"`
	LiquidityThreshold uint64 `json:"liquidity_threshold"`
	RiskWeight         uint64 `json:"risk_weight"`
	Enabled            bool   `json:"enabled"`
	Status             uint8  `json:"status"`
	RegisteredBlock    uint64 `json:"registered_block"`
}

const chainColumns = `chain_id, name, adapter, confirmations, avg_block_time, native_symbol,
	chain_type, liquidity_threshold, risk_weight, enabled, status, registered_block`

// InsertChain stores a new chain. Returns ErrAlreadyExists if the id is taken.
func (t *Tx) InsertChain(c *Chain) error {
	_, err := t.exec(`INSERT INTO chains (`+chainColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ChainID, c.Name, c.Adapter, c.Confirmations, c.AvgBlockTime, c.NativeSymbol,
		c.ChainType, c.LiquidityThreshold, c.RiskWeight, boolToInt(c.Enabled), c.Status, c.RegisteredBlock,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: chain %s", ErrAlreadyExists, c.ChainID)
	}
	return err
}

// GetChain retrieves a chain by id.
func (t *Tx) GetChain(chainID string) (*Chain, error) {
	row := t.queryRow(`SELECT `+chainColumns+` FROM chains WHERE chain_id = ?`, chainID)
	c, err := scanChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chain %s", ErrNotFound, chainID)
	}
	return c, err
}

// ListChains returns all chains ordered by id.
func (t *Tx) ListChains() ([]*Chain, error) {
	rows, err := t.query(`SELECT ` + chainColumns + ` FROM chains ORDER BY chain_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []*Chain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		chains = append(chains, c)
	}
	return chains, rows.Err()
}

// UpdateChainStatus sets the enabled flag and status code of a chain.
func (t *Tx) UpdateChainStatus(chainID string, enabled bool, status uint8) error {
	result, err := t.exec(`UPDATE chains SET enabled = ?, status = ? WHERE chain_id = ?`,
		boolToInt(enabled), status, chainID)
	if err != nil {
		return err
	}
	return checkAffected(result, "chain "+chainID)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChain(row rowScanner) (*Chain, error) {
	var c Chain
	var enabled int
	err := row.Scan(&c.ChainID, &c.Name, &c.Adapter, &c.Confirmations, &c.AvgBlockTime, &c.NativeSymbol,
		&c.ChainType, &c.LiquidityThreshold, &c.RiskWeight, &enabled, &c.Status, &c.RegisteredBlock)
	if err != nil {
		return nil, err
	}
	c.Enabled = enabled != 0
	return &c, nil
}
