package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ProtocolFee is the protocol fee collected in one pool's token. Accrued
// is held in custody until the treasury claims it.
type ProtocolFee struct {
	ChainID      string `json:"chain_id"`
	Token        string `json:"token"`
	Accrued      uint64 `json:"accrued"`
	Claimed      uint64 `json:"claimed"`
	UpdatedBlock uint64 `json:"updated_block"`
}

const feeColumns = `chain_id, token, accrued, claimed, updated_block`

// PutProtocolFee creates or updates a fee balance.
func (t *Tx) PutProtocolFee(f *ProtocolFee) error {
	_, err := t.exec(`
		INSERT INTO protocol_fees (`+feeColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, token) DO UPDATE SET
			accrued = excluded.accrued,
			claimed = excluded.claimed,
			updated_block = excluded.updated_block`,
		f.ChainID, f.Token, f.Accrued, f.Claimed, f.UpdatedBlock,
	)
	return err
}

// GetProtocolFee retrieves the fee balance of a pool's token.
func (t *Tx) GetProtocolFee(chainID, token string) (*ProtocolFee, error) {
	row := t.queryRow(`SELECT `+feeColumns+` FROM protocol_fees WHERE chain_id = ? AND token = ?`, chainID, token)
	f, err := scanProtocolFee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: protocol fees for %s/%s", ErrNotFound, chainID, token)
	}
	return f, err
}

// ListProtocolFees returns every fee balance ordered by chain and token.
func (t *Tx) ListProtocolFees() ([]*ProtocolFee, error) {
	rows, err := t.query(`SELECT ` + feeColumns + ` FROM protocol_fees ORDER BY chain_id, token`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fees []*ProtocolFee
	for rows.Next() {
		f, err := scanProtocolFee(rows)
		if err != nil {
			return nil, err
		}
		fees = append(fees, f)
	}
	return fees, rows.Err()
}

func scanProtocolFee(row rowScanner) (*ProtocolFee, error) {
	var f ProtocolFee
	if err := row.Scan(&f.ChainID, &f.Token, &f.Accrued, &f.Claimed, &f.UpdatedBlock); err != nil {
		return nil, err
	}
	return &f, nil
}
