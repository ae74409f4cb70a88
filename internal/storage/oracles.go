package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Oracle is a registered price source for a (chain, token) pair.
type Oracle struct {
	ChainID            string `json:"chain_id"`
	Token              string `json:"token"`
	Oracle             string `json:"oracle"`
	UpdateInterval     uint64 `json:"update_interval"`
	StalenessThreshold uint64 `json:"staleness_threshold"`
}

// Price is the cached price for a (chain, token) pair.
type Price struct {
	ChainID      string    `json:"chain_id"`
	Token        string    `json:"token"`
	Price        uint64    `json:"price"`
	UpdatedBlock uint64    `json:"updated_block"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// InsertOracle stores a new oracle registration.
func (t *Tx) InsertOracle(o *Oracle) error {
	_, err := t.exec(`
		INSERT INTO oracles (chain_id, token, oracle, update_interval, staleness_threshold)
		VALUES (?, ?, ?, ?, ?)`,
		o.ChainID, o.Token, o.Oracle, o.UpdateInterval, o.StalenessThreshold,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: oracle %s/%s", ErrAlreadyExists, o.ChainID, o.Token)
	}
	return err
}

// GetOracle retrieves an oracle registration.
func (t *Tx) GetOracle(chainID, token string) (*Oracle, error) {
	var o Oracle
	err := t.queryRow(`
		SELECT chain_id, token, oracle, update_interval, staleness_threshold
		FROM oracles WHERE chain_id = ? AND token = ?`, chainID, token,
	).Scan(&o.ChainID, &o.Token, &o.Oracle, &o.UpdateInterval, &o.StalenessThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: oracle %s/%s", ErrNotFound, chainID, token)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOracles returns all oracle registrations.
func (t *Tx) ListOracles() ([]*Oracle, error) {
	rows, err := t.query(`
		SELECT chain_id, token, oracle, update_interval, staleness_threshold
		FROM oracles ORDER BY chain_id, token`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var oracles []*Oracle
	for rows.Next() {
		var o Oracle
		if err := rows.Scan(&o.ChainID, &o.Token, &o.Oracle, &o.UpdateInterval, &o.StalenessThreshold); err != nil {
			return nil, err
		}
		oracles = append(oracles, &o)
	}
	return oracles, rows.Err()
}

// PutPrice creates or replaces the cached price for a pair.
func (t *Tx) PutPrice(p *Price) error {
	_, err := t.exec(`
		INSERT INTO prices (chain_id, token, price, updated_block, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, token) DO UPDATE SET
			price = excluded.price,
			updated_block = excluded.updated_block,
			updated_at = excluded.updated_at`,
		p.ChainID, p.Token, p.Price, p.UpdatedBlock, p.UpdatedAt.Unix(),
	)
	return err
}

// GetPrice retrieves the cached price for a pair.
func (t *Tx) GetPrice(chainID, token string) (*Price, error) {
	var p Price
	var updatedAt int64
	err := t.queryRow(`
		SELECT chain_id, token, price, updated_block, updated_at
		FROM prices WHERE chain_id = ? AND token = ?`, chainID, token,
	).Scan(&p.ChainID, &p.Token, &p.Price, &p.UpdatedBlock, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: price %s/%s", ErrNotFound, chainID, token)
	}
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}
