package storage

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SwapStatus is the lifecycle state of an HTLC swap.
type SwapStatus uint8

// Swap states. Pending is the only non-terminal state.
const (
	SwapPending SwapStatus = iota
	SwapCompleted
	SwapRefunded
)

func (s SwapStatus) String() string {
	switch s {
	case SwapPending:
		return "pending"
	case SwapCompleted:
		return "completed"
	case SwapRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Swap is a persisted hash time-locked swap.
type Swap struct {
	SwapID          uint64     `json:"swap_id"`
	Initiator       string     `json:"initiator"`
	Recipient       string     `json:"recipient"`
	SourceChain     string     `json:"source_chain"`
	SourceToken     string     `json:"source_token"`
	Amount          uint64     `json:"amount"`
	TargetChain     string     `json:"target_chain"`
	TargetToken     string     `json:"target_token"`
	HashLock        [32]byte   `json:"-"`
	Preimage        []byte     `json:"-"`
	Path            []Hop      `json:"path"`
	RouteID         uint64     `json:"route_id,omitempty"`
	Status          SwapStatus `json:"status"`
	CreatedBlock    uint64     `json:"created_block"`
	TimeoutBlocks   uint64     `json:"timeout_blocks"`
	CompletionBlock *uint64    `json:"completion_block,omitempty"`
	FeeAmount       uint64     `json:"fee_amount"`
	OutputAmount    uint64     `json:"output_amount"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const swapColumns = `swap_id, initiator, recipient, source_chain, source_token, amount,
	target_chain, target_token, hash_lock, preimage, path, route_id, status,
	created_block, timeout_blocks, completion_block, fee_amount, output_amount,
	created_at, updated_at`

// InsertSwap stores a new swap.
func (t *Tx) InsertSwap(s *Swap) error {
	path, err := json.Marshal(s.Path)
	if err != nil {
		return fmt.Errorf("failed to encode swap path: %w", err)
	}

	var preimage interface{}
	if len(s.Preimage) > 0 {
		preimage = hex.EncodeToString(s.Preimage)
	}

	_, err = t.exec(`INSERT INTO swaps (`+swapColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SwapID, s.Initiator, s.Recipient, s.SourceChain, s.SourceToken, s.Amount,
		s.TargetChain, s.TargetToken, hex.EncodeToString(s.HashLock[:]), preimage, string(path), s.RouteID, s.Status,
		s.CreatedBlock, s.TimeoutBlocks, nullableUint64(s.CompletionBlock), s.FeeAmount, s.OutputAmount,
		s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: swap %d", ErrAlreadyExists, s.SwapID)
	}
	return err
}

// GetSwap retrieves a swap by id.
func (t *Tx) GetSwap(swapID uint64) (*Swap, error) {
	row := t.queryRow(`SELECT `+swapColumns+` FROM swaps WHERE swap_id = ?`, swapID)
	s, err := scanSwap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: swap %d", ErrNotFound, swapID)
	}
	return s, err
}

// UpdateSwapSettlement records a terminal transition. Only pending swaps are
// updated; a swap already settled yields ErrNotFound.
func (t *Tx) UpdateSwapSettlement(swapID uint64, status SwapStatus, preimage []byte, completionBlock uint64, now time.Time) error {
	var pre interface{}
	if len(preimage) > 0 {
		pre = hex.EncodeToString(preimage)
	}
	result, err := t.exec(`
		UPDATE swaps SET status = ?, preimage = ?, completion_block = ?, updated_at = ?
		WHERE swap_id = ? AND status = ?`,
		status, pre, completionBlock, now.Unix(), swapID, SwapPending,
	)
	if err != nil {
		return err
	}
	return checkAffected(result, fmt.Sprintf("pending swap %d", swapID))
}

// SwapFilter narrows ListSwaps. Zero values match everything.
type SwapFilter struct {
	Status    *SwapStatus
	Initiator string
	Limit     int
}

// ListSwaps returns swaps newest first.
func (t *Tx) ListSwaps(f SwapFilter) ([]*Swap, error) {
	query := `SELECT ` + swapColumns + ` FROM swaps WHERE 1=1`
	var args []interface{}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, *f.Status)
	}
	if f.Initiator != "" {
		query += ` AND initiator = ?`
		args = append(args, f.Initiator)
	}
	query += ` ORDER BY swap_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return t.listSwaps(query, args...)
}

// ListExpiredSwaps returns pending swaps whose deadline is strictly before currentBlock.
func (t *Tx) ListExpiredSwaps(currentBlock uint64) ([]*Swap, error) {
	return t.listSwaps(`SELECT `+swapColumns+` FROM swaps
		WHERE status = ? AND created_block + timeout_blocks < ?
		ORDER BY swap_id`, SwapPending, currentBlock)
}

func (t *Tx) listSwaps(query string, args ...interface{}) ([]*Swap, error) {
	rows, err := t.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []*Swap
	for rows.Next() {
		s, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, s)
	}
	return swaps, rows.Err()
}

func scanSwap(row rowScanner) (*Swap, error) {
	var s Swap
	var hashLock, path string
	var preimage sql.NullString
	var completion sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&s.SwapID, &s.Initiator, &s.Recipient, &s.SourceChain, &s.SourceToken, &s.Amount,
		&s.TargetChain, &s.TargetToken, &hashLock, &preimage, &path, &s.RouteID, &s.Status,
		&s.CreatedBlock, &s.TimeoutBlocks, &completion, &s.FeeAmount, &s.OutputAmount,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	lock, err := hex.DecodeString(hashLock)
	if err != nil || len(lock) != len(s.HashLock) {
		return nil, fmt.Errorf("corrupt hash lock for swap %d", s.SwapID)
	}
	copy(s.HashLock[:], lock)

	if preimage.Valid {
		if s.Preimage, err = hex.DecodeString(preimage.String); err != nil {
			return nil, fmt.Errorf("corrupt preimage for swap %d: %w", s.SwapID, err)
		}
	}
	if err := json.Unmarshal([]byte(path), &s.Path); err != nil {
		return nil, fmt.Errorf("failed to decode swap path: %w", err)
	}

	s.CompletionBlock = uint64Ptr(completion)
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return &s, nil
}
