package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// Provider is a liquidity provider's position in one pool.
type Provider struct {
	ChainID             string  `json:"chain_id"`
	Token               string  `json:"token"`
	Provider            string  `json:"provider"`
	LiquidityAmount     uint64  `json:"liquidity_amount"`
	LastDepositBlock    uint64  `json:"last_deposit_block"`
	LastWithdrawalBlock *uint64 `json:"last_withdrawal_block,omitempty"`
}

const providerColumns = `chain_id, token, provider, liquidity_amount, last_deposit_block, last_withdrawal_block`

// PutProvider creates or updates a provider position.
func (t *Tx) PutProvider(p *Provider) error {
	_, err := t.exec(`
		INSERT INTO providers (`+providerColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, token, provider) DO UPDATE SET
			liquidity_amount = excluded.liquidity_amount,
			last_deposit_block = excluded.last_deposit_block,
			last_withdrawal_block = excluded.last_withdrawal_block`,
		p.ChainID, p.Token, p.Provider, p.LiquidityAmount, p.LastDepositBlock, nullableUint64(p.LastWithdrawalBlock),
	)
	return err
}

// GetProvider retrieves a provider position.
func (t *Tx) GetProvider(chainID, token, provider string) (*Provider, error) {
	row := t.queryRow(`SELECT `+providerColumns+` FROM providers
		WHERE chain_id = ? AND token = ? AND provider = ?`, chainID, token, provider)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: provider %s in %s/%s", ErrNotFound, provider, chainID, token)
	}
	return p, err
}

// ListProviders returns every provider of a pool, including zero balances.
func (t *Tx) ListProviders(chainID, token string) ([]*Provider, error) {
	rows, err := t.query(`SELECT `+providerColumns+` FROM providers
		WHERE chain_id = ? AND token = ? ORDER BY provider`, chainID, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func scanProvider(row rowScanner) (*Provider, error) {
	var p Provider
	var lastWithdrawal sql.NullInt64
	err := row.Scan(&p.ChainID, &p.Token, &p.Provider, &p.LiquidityAmount, &p.LastDepositBlock, &lastWithdrawal)
	if err != nil {
		return nil, err
	}
	p.LastWithdrawalBlock = uint64Ptr(lastWithdrawal)
	return &p, nil
}
