package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Relayer is a staked party authorized to relay settlement on a set of chains.
type Relayer struct {
	Principal       string   `json:"principal"`
	StakeAmount     uint64   `json:"stake_amount"`
	Chains          []string `json:"chains"`
	AuthorizedBlock uint64   `json:"authorized_block"`
}

// AuthorizedFor reports whether the relayer may act on chainID.
func (r *Relayer) AuthorizedFor(chainID string) bool {
	for _, c := range r.Chains {
		if c == chainID {
			return true
		}
	}
	return false
}

// InsertRelayer stores a new relayer.
func (t *Tx) InsertRelayer(r *Relayer) error {
	chains, err := json.Marshal(r.Chains)
	if err != nil {
		return fmt.Errorf("failed to encode relayer chains: %w", err)
	}
	_, err = t.exec(`
		INSERT INTO relayers (principal, stake_amount, chains, authorized_block)
		VALUES (?, ?, ?, ?)`,
		r.Principal, r.StakeAmount, string(chains), r.AuthorizedBlock,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: relayer %s", ErrAlreadyExists, r.Principal)
	}
	return err
}

// GetRelayer retrieves a relayer by principal.
func (t *Tx) GetRelayer(principal string) (*Relayer, error) {
	var r Relayer
	var chains string
	err := t.queryRow(`
		SELECT principal, stake_amount, chains, authorized_block
		FROM relayers WHERE principal = ?`, principal,
	).Scan(&r.Principal, &r.StakeAmount, &chains, &r.AuthorizedBlock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: relayer %s", ErrNotFound, principal)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(chains), &r.Chains); err != nil {
		return nil, fmt.Errorf("failed to decode relayer chains: %w", err)
	}
	return &r, nil
}

// UpdateRelayerStake sets a relayer's stake.
func (t *Tx) UpdateRelayerStake(principal string, stake uint64) error {
	result, err := t.exec(`UPDATE relayers SET stake_amount = ? WHERE principal = ?`, stake, principal)
	if err != nil {
		return err
	}
	return checkAffected(result, "relayer "+principal)
}
