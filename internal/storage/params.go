package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Params is the single row of protocol governance state.
type Params struct {
	Owner                string `json:"owner"`
	ProtocolFeeBps       uint16 `json:"protocol_fee_bps"`
	MaxSlippageBps       uint16 `json:"max_slippage_bps"`
	Treasury             string `json:"treasury"`
	DefaultTimeoutBlocks uint64 `json:"default_timeout_blocks"`
	EmergencyShutdown    bool   `json:"emergency_shutdown"`
	Initialized          bool   `json:"initialized"`
	UpdatedBlock         uint64 `json:"updated_block"`
}

// GetParams returns the protocol parameters, or ErrNotFound before the first PutParams.
func (t *Tx) GetParams() (*Params, error) {
	var p Params
	var shutdown, initialized int
	err := t.queryRow(`
		SELECT owner, protocol_fee_bps, max_slippage_bps, treasury, default_timeout_blocks,
			emergency_shutdown, initialized, updated_block
		FROM protocol_params WHERE id = 1`,
	).Scan(&p.Owner, &p.ProtocolFeeBps, &p.MaxSlippageBps, &p.Treasury, &p.DefaultTimeoutBlocks,
		&shutdown, &initialized, &p.UpdatedBlock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: protocol params", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.EmergencyShutdown = shutdown != 0
	p.Initialized = initialized != 0
	return &p, nil
}

// PutParams creates or replaces the protocol parameters.
func (t *Tx) PutParams(p *Params) error {
	_, err := t.exec(`
		INSERT INTO protocol_params (id, owner, protocol_fee_bps, max_slippage_bps, treasury,
			default_timeout_blocks, emergency_shutdown, initialized, updated_block)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			protocol_fee_bps = excluded.protocol_fee_bps,
			max_slippage_bps = excluded.max_slippage_bps,
			treasury = excluded.treasury,
			default_timeout_blocks = excluded.default_timeout_blocks,
			emergency_shutdown = excluded.emergency_shutdown,
			initialized = excluded.initialized,
			updated_block = excluded.updated_block`,
		p.Owner, p.ProtocolFeeBps, p.MaxSlippageBps, p.Treasury, p.DefaultTimeoutBlocks,
		boolToInt(p.EmergencyShutdown), boolToInt(p.Initialized), p.UpdatedBlock,
	)
	return err
}
