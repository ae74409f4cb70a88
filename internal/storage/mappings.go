package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// TokenMapping links a token on one chain to its counterpart on another.
type TokenMapping struct {
	SourceChain string `json:"source_chain"`
	SourceToken string `json:"source_token"`
	TargetChain string `json:"target_chain"`
	TargetToken string `json:"target_token"`
}

// InsertTokenMapping stores one direction of a mapping.
func (t *Tx) InsertTokenMapping(m *TokenMapping) error {
	_, err := t.exec(`
		INSERT INTO token_mappings (source_chain, source_token, target_chain, target_token)
		VALUES (?, ?, ?, ?)`,
		m.SourceChain, m.SourceToken, m.TargetChain, m.TargetToken,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: mapping %s/%s -> %s", ErrAlreadyExists, m.SourceChain, m.SourceToken, m.TargetChain)
	}
	return err
}

// GetTokenMapping looks up the token on targetChain mapped from (sourceChain, sourceToken).
func (t *Tx) GetTokenMapping(sourceChain, sourceToken, targetChain string) (*TokenMapping, error) {
	m := TokenMapping{SourceChain: sourceChain, SourceToken: sourceToken, TargetChain: targetChain}
	err := t.queryRow(`
		SELECT target_token FROM token_mappings
		WHERE source_chain = ? AND source_token = ? AND target_chain = ?`,
		sourceChain, sourceToken, targetChain,
	).Scan(&m.TargetToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: mapping %s/%s -> %s", ErrNotFound, sourceChain, sourceToken, targetChain)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MappingsFrom returns every mapping whose source is (chain, token), ordered by target.
func (t *Tx) MappingsFrom(chainID, token string) ([]*TokenMapping, error) {
	return t.listMappings(`
		SELECT source_chain, source_token, target_chain, target_token FROM token_mappings
		WHERE source_chain = ? AND source_token = ?
		ORDER BY target_chain, target_token`, chainID, token)
}

// ListTokenMappings returns every stored mapping direction.
func (t *Tx) ListTokenMappings() ([]*TokenMapping, error) {
	return t.listMappings(`
		SELECT source_chain, source_token, target_chain, target_token FROM token_mappings
		ORDER BY source_chain, source_token, target_chain`)
}

func (t *Tx) listMappings(query string, args ...interface{}) ([]*TokenMapping, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*TokenMapping
	for rows.Next() {
		var m TokenMapping
		if err := rows.Scan(&m.SourceChain, &m.SourceToken, &m.TargetChain, &m.TargetToken); err != nil {
			return nil, err
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}
