package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Hop is one step of a swap path. Pool is the token contract of the hop's pool.
type Hop struct {
	Chain string `json:"chain"`
	Token string `json:"token"`
	Pool  string `json:"pool"`
}

// Route is a computed path persisted for later reference by route id.
type Route struct {
	RouteID         uint64    `json:"route_id"`
	SourceChain     string    `json:"source_chain"`
	SourceToken     string    `json:"source_token"`
	TargetChain     string    `json:"target_chain"`
	TargetToken     string    `json:"target_token"`
	Amount          uint64    `json:"amount"`
	Path            []Hop     `json:"path"`
	PathDigest      string    `json:"path_digest"`
	EstimatedOutput uint64    `json:"estimated_output"`
	FeeBps          uint64    `json:"fee_bps"`
	CreatedBlock    uint64    `json:"created_block"`
	CreatedAt       time.Time `json:"created_at"`
}

const routeColumns = `route_id, source_chain, source_token, target_chain, target_token, amount,
	path, path_digest, estimated_output, fee_bps, created_block, created_at`

// InsertRoute stores a computed route.
func (t *Tx) InsertRoute(r *Route) error {
	path, err := json.Marshal(r.Path)
	if err != nil {
		return fmt.Errorf("failed to encode route path: %w", err)
	}
	_, err = t.exec(`INSERT INTO routes (`+routeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RouteID, r.SourceChain, r.SourceToken, r.TargetChain, r.TargetToken, r.Amount,
		string(path), r.PathDigest, r.EstimatedOutput, r.FeeBps, r.CreatedBlock, r.CreatedAt.Unix(),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: route %d", ErrAlreadyExists, r.RouteID)
	}
	return err
}

// GetRoute retrieves a route by id.
func (t *Tx) GetRoute(routeID uint64) (*Route, error) {
	var r Route
	var path string
	var createdAt int64
	err := t.queryRow(`SELECT `+routeColumns+` FROM routes WHERE route_id = ?`, routeID).Scan(
		&r.RouteID, &r.SourceChain, &r.SourceToken, &r.TargetChain, &r.TargetToken, &r.Amount,
		&path, &r.PathDigest, &r.EstimatedOutput, &r.FeeBps, &r.CreatedBlock, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: route %d", ErrNotFound, routeID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(path), &r.Path); err != nil {
		return nil, fmt.Errorf("failed to decode route path: %w", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0)
	return &r, nil
}
