package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Pool is a per-chain, per-token liquidity reserve.
type Pool struct {
	ChainID            string `json:"chain_id"`
	Token              string `json:"token"`
	TokenContract      string `json:"token_contract"`
	MinReserve         uint64 `json:"min_reserve"`
	MaxReserve         uint64 `json:"max_reserve"`
	FeeBps             uint16 `json:"fee_bps"`
	Active             bool   `json:"active"`
	AvailableLiquidity uint64 `json:"available_liquidity"`
	TotalShares        uint64 `json:"total_shares"`
	RegisteredBlock    uint64 `json:"registered_block"`
}

const poolColumns = `chain_id, token, token_contract, min_reserve, max_reserve, fee_bps,
	active, available_liquidity, total_shares, registered_block`

// InsertPool stores a new pool. Returns ErrAlreadyExists if (chain, token) is taken.
func (t *Tx) InsertPool(p *Pool) error {
	_, err := t.exec(`INSERT INTO pools (`+poolColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ChainID, p.Token, p.TokenContract, p.MinReserve, p.MaxReserve, p.FeeBps,
		boolToInt(p.Active), p.AvailableLiquidity, p.TotalShares, p.RegisteredBlock,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: pool %s/%s", ErrAlreadyExists, p.ChainID, p.Token)
	}
	return err
}

// GetPool retrieves a pool by chain and token.
func (t *Tx) GetPool(chainID, token string) (*Pool, error) {
	row := t.queryRow(`SELECT `+poolColumns+` FROM pools WHERE chain_id = ? AND token = ?`, chainID, token)
	p, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool %s/%s", ErrNotFound, chainID, token)
	}
	return p, err
}

// ListPools returns pools ordered by chain and token. An empty chainID lists every pool.
func (t *Tx) ListPools(chainID string) ([]*Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools`
	var args []interface{}
	if chainID != "" {
		query += ` WHERE chain_id = ?`
		args = append(args, chainID)
	}
	query += ` ORDER BY chain_id, token`

	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []*Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// UpdatePoolStatus sets a pool's active flag.
func (t *Tx) UpdatePoolStatus(chainID, token string, active bool) error {
	result, err := t.exec(`UPDATE pools SET active = ? WHERE chain_id = ? AND token = ?`,
		boolToInt(active), chainID, token)
	if err != nil {
		return err
	}
	return checkAffected(result, "pool "+chainID+"/"+token)
}

// UpdatePoolFee sets a pool's fee in basis points.
func (t *Tx) UpdatePoolFee(chainID, token string, feeBps uint16) error {
	result, err := t.exec(`UPDATE pools SET fee_bps = ? WHERE chain_id = ? AND token = ?`,
		feeBps, chainID, token)
	if err != nil {
		return err
	}
	return checkAffected(result, "pool "+chainID+"/"+token)
}

// UpdatePoolLiquidity writes a pool's available liquidity and share total.
func (t *Tx) UpdatePoolLiquidity(chainID, token string, available, shares uint64) error {
	result, err := t.exec(`UPDATE pools SET available_liquidity = ?, total_shares = ? WHERE chain_id = ? AND token = ?`,
		available, shares, chainID, token)
	if err != nil {
		return err
	}
	return checkAffected(result, "pool "+chainID+"/"+token)
}

func scanPool(row rowScanner) (*Pool, error) {
	var p Pool
	var active int
	err := row.Scan(&p.ChainID, &p.Token, &p.TokenContract, &p.MinReserve, &p.MaxReserve, &p.FeeBps,
		&active, &p.AvailableLiquidity, &p.TotalShares, &p.RegisteredBlock)
	if err != nil {
		return nil, err
	}
	p.Active = active != 0
	return &p, nil
}
