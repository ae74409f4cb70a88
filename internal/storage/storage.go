// Package storage provides persistent storage using SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Storage errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Supported database/sql driver names.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "liquidity.db"

// Storage provides persistent storage for the aggregator.
// All writes go through Update, which holds the write lock for the
// duration of one SQL transaction.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string

	// Driver selects the SQLite driver; empty means DriverCGO.
	Driver string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	driver := cfg.Driver
	if driver == "" {
		driver = DriverCGO
	}
	dsn, err := dataSourceName(driver, dbPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One connection: SQLite has a single writer and transactions must not
	// interleave with reads on a second connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func dataSourceName(driver, path string) (string, error) {
	switch driver {
	case DriverCGO:
		return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", nil
	case DriverPureGo:
		return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// Update runs fn inside a read-write transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
func (s *Storage) Update(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(ctx, false, fn)
}

// View runs fn inside a read-only transaction.
func (s *Storage) View(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run(ctx, true, fn)
}

func (s *Storage) run(ctx context.Context, readOnly bool, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx, ctx: ctx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if readOnly {
		return sqlTx.Rollback()
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Tx is a storage transaction handed to Update and View callbacks.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *Tx) exec(query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Tx) query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t *Tx) queryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- Registries
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS chains (
		chain_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		adapter TEXT NOT NULL,
		confirmations INTEGER NOT NULL,
		avg_block_time INTEGER NOT NULL,
		native_symbol TEXT NOT NULL,
		chain_type TEXT NOT NULL,
		liquidity_threshold INTEGER NOT NULL DEFAULT 0,
		risk_weight INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		status INTEGER NOT NULL DEFAULT 0,     -- 0 active, 1 paused, 2 deprecated
		registered_block INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pools (
		chain_id TEXT NOT NULL,
		token TEXT NOT NULL,
		token_contract TEXT NOT NULL,
		min_reserve INTEGER NOT NULL,
		max_reserve INTEGER NOT NULL,
		fee_bps INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		available_liquidity INTEGER NOT NULL DEFAULT 0,
		total_shares INTEGER NOT NULL DEFAULT 0,
		registered_block INTEGER NOT NULL,
		PRIMARY KEY (chain_id, token)
	);

	-- Mappings are stored once per direction
	CREATE TABLE IF NOT EXISTS token_mappings (
		source_chain TEXT NOT NULL,
		source_token TEXT NOT NULL,
		target_chain TEXT NOT NULL,
		target_token TEXT NOT NULL,
		PRIMARY KEY (source_chain, source_token, target_chain)
	);

	CREATE TABLE IF NOT EXISTS oracles (
		chain_id TEXT NOT NULL,
		token TEXT NOT NULL,
		oracle TEXT NOT NULL,
		update_interval INTEGER NOT NULL,      -- blocks
		staleness_threshold INTEGER NOT NULL,  -- seconds
		PRIMARY KEY (chain_id, token)
	);

	CREATE TABLE IF NOT EXISTS prices (
		chain_id TEXT NOT NULL,
		token TEXT NOT NULL,
		price INTEGER NOT NULL,
		updated_block INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (chain_id, token)
	);

	CREATE TABLE IF NOT EXISTS relayers (
		principal TEXT PRIMARY KEY,
		stake_amount INTEGER NOT NULL DEFAULT 0,
		chains TEXT NOT NULL,                  -- JSON array of chain ids
		authorized_block INTEGER NOT NULL
	);

	-- =========================================================================
	-- Liquidity ledger
	-- =========================================================================

	-- Provider rows are never deleted; a zero balance is a valid state
	CREATE TABLE IF NOT EXISTS providers (
		chain_id TEXT NOT NULL,
		token TEXT NOT NULL,
		provider TEXT NOT NULL,
		liquidity_amount INTEGER NOT NULL DEFAULT 0,
		last_deposit_block INTEGER NOT NULL DEFAULT 0,
		last_withdrawal_block INTEGER,
		PRIMARY KEY (chain_id, token, provider)
	);

	-- =========================================================================
	-- Routes and swaps
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS routes (
		route_id INTEGER PRIMARY KEY,
		source_chain TEXT NOT NULL,
		source_token TEXT NOT NULL,
		target_chain TEXT NOT NULL,
		target_token TEXT NOT NULL,
		amount INTEGER NOT NULL,
		path TEXT NOT NULL,                    -- JSON array of hops
		path_digest TEXT NOT NULL,             -- hex blake3 of canonical path
		estimated_output INTEGER NOT NULL,
		fee_bps INTEGER NOT NULL,
		created_block INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS swaps (
		swap_id INTEGER PRIMARY KEY,
		initiator TEXT NOT NULL,
		recipient TEXT NOT NULL,
		source_chain TEXT NOT NULL,
		source_token TEXT NOT NULL,
		amount INTEGER NOT NULL,
		target_chain TEXT NOT NULL,
		target_token TEXT NOT NULL,
		hash_lock TEXT NOT NULL,               -- hex sha256
		preimage TEXT,                         -- hex, set on execution
		path TEXT NOT NULL,
		route_id INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL DEFAULT 0,     -- 0 pending, 1 completed, 2 refunded
		created_block INTEGER NOT NULL,
		timeout_blocks INTEGER NOT NULL,
		completion_block INTEGER,
		fee_amount INTEGER NOT NULL DEFAULT 0,
		output_amount INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);
	CREATE INDEX IF NOT EXISTS idx_swaps_deadline ON swaps(status, created_block, timeout_blocks);

	-- =========================================================================
	-- Protocol state
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS protocol_params (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		owner TEXT NOT NULL,
		protocol_fee_bps INTEGER NOT NULL,
		max_slippage_bps INTEGER NOT NULL,
		treasury TEXT NOT NULL DEFAULT '',
		default_timeout_blocks INTEGER NOT NULL,
		emergency_shutdown INTEGER NOT NULL DEFAULT 0,
		initialized INTEGER NOT NULL DEFAULT 0,
		updated_block INTEGER NOT NULL DEFAULT 0
	);

	-- Protocol fees held in custody until claimed by the treasury
	CREATE TABLE IF NOT EXISTS protocol_fees (
		chain_id TEXT NOT NULL,
		token TEXT NOT NULL,
		accrued INTEGER NOT NULL DEFAULT 0,    -- unclaimed
		claimed INTEGER NOT NULL DEFAULT 0,    -- lifetime total paid out
		updated_block INTEGER NOT NULL,
		PRIMARY KEY (chain_id, token)
	);

	-- Monotonic id counters (route, swap)
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- Audit log
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,                   -- UUID
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		subject TEXT NOT NULL,
		data TEXT,
		block INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_seq ON events(seq);
	CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isUniqueConstraintError reports whether err is a primary key or unique violation.
// Both supported drivers include the SQLite message text.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}

// checkAffected maps zero affected rows to a wrapped ErrNotFound.
func checkAffected(result sql.Result, what string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUint64(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func uint64Ptr(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	v := uint64(n.Int64)
	return &v
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
