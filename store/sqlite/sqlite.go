/*
Package sqlite provides the SQLite-backed implementation of the commerce
storage interfaces.

PURPOSE:
  Implements commerce.OrderStore, commerce.BalanceStore and
  commerce.LedgerStore. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch the ledger_entries table
  - Orders are never deleted: they are the financial audit record

KEY TABLES:
  orders:         purchase records with status, audit fields and an
                  optimistic version column
  order_items:    entitlement line items, granted in row-id order
  balances:       cached wallet balance keyed by (guild_id, user_id)
  ledger_entries: immutable record of every balance-affecting event

OPTIMISTIC CONCURRENCY:
  UpdateOrder is a compare-and-swap on the version column. A concurrent
  writer that loses the race gets commerce.ErrConcurrentModification and
  has performed no side effect. This closes the double-compensation race
  on simultaneous reject/refund calls.

MONEY:
  Amounts are stored as decimal strings, never floats, and rounded to
  2 fraction digits before persisting.

WAL MODE:
  SQLite is opened with WAL and foreign keys on, same trade-offs as any
  single-writer deployment: readers don't block, one writer at a time.

SEE ALSO:
  - commerce/store.go: interface definitions and ordering discipline
  - commerce/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/commerce-engine/commerce"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Orders (never deleted; financial audit record)
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		guild_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		item_title TEXT NOT NULL DEFAULT '',
		role_id TEXT,
		duration_days INTEGER DEFAULT 0,
		applied_at TEXT,
		failure_reason TEXT,
		failure_code INTEGER DEFAULT 0,
		failure_response TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_guild_status
		ON orders(guild_id, status);
	-- Stuck-order surfacing: paid with no confirmed delivery
	CREATE INDEX IF NOT EXISTS idx_orders_stuck
		ON orders(guild_id, status) WHERE applied_at IS NULL;

	-- Entitlement line items, granted in row-id order
	CREATE TABLE IF NOT EXISTS order_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL REFERENCES orders(id),
		title TEXT NOT NULL DEFAULT '',
		role_id TEXT,
		duration_days INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_order_items_order
		ON order_items(order_id);

	-- Cached wallet balances, derived from the ledger
	CREATE TABLE IF NOT EXISTS balances (
		guild_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		balance TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (guild_id, user_id)
	);

	-- Ledger (append-only; source of truth for balance reconstruction)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		guild_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_guild_user_created
		ON ledger_entries(guild_id, user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ORDER STORE (commerce.OrderStore interface)
// =============================================================================

// CreateOrder inserts an order and its line items in one transaction.
func (s *Store) CreateOrder(ctx context.Context, o *commerce.Order, items []commerce.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt
	o.Version = 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders
		(id, guild_id, user_id, amount, status, item_title, role_id, duration_days,
		 applied_at, failure_reason, failure_code, failure_response, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.GuildID, o.UserID,
		commerce.Round2(o.Amount).String(),
		o.Status, o.ItemTitle, nullString(o.RoleID), o.DurationDays,
		nullTime(o.AppliedAt), nullString(o.FailureReason), o.FailureCode,
		nullString(o.FailureResponse), o.Version,
		o.CreatedAt.Format(time.RFC3339), o.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, title, role_id, duration_days)
			VALUES (?, ?, ?, ?)`,
			o.ID, item.Title, nullString(item.RoleID), item.DurationDays,
		)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return tx.Commit()
}

// GetOrder returns the order, or nil if absent from the guild.
func (s *Store) GetOrder(ctx context.Context, guildID, orderID string) (*commerce.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := orderColumns + " FROM orders WHERE id = ? AND guild_id = ?"
	orders, err := s.queryOrders(ctx, query, orderID, guildID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

// GetOrderItems returns the order's line items in insertion order.
func (s *Store) GetOrderItems(ctx context.Context, orderID string) ([]commerce.OrderItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, title, role_id, duration_days
		FROM order_items WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []commerce.OrderItem
	for rows.Next() {
		var item commerce.OrderItem
		var roleID sql.NullString
		if err := rows.Scan(&item.ID, &item.OrderID, &item.Title, &roleID, &item.DurationDays); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		item.RoleID = roleID.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListOrders returns orders for a filter, newest first.
func (s *Store) ListOrders(ctx context.Context, guildID string, filter commerce.OrderFilter) ([]commerce.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := orderColumns + " FROM orders WHERE guild_id = ?"
	args := []any{guildID}

	switch filter {
	case commerce.FilterPending:
		query += " AND status = 'pending'"
	case commerce.FilterStuck:
		query += " AND status = 'paid' AND applied_at IS NULL"
	case commerce.FilterFailed:
		query += " AND status = 'failed'"
	}
	query += " ORDER BY created_at DESC"

	return s.queryOrders(ctx, query, args...)
}

// UpdateOrder persists a transition as a compare-and-swap on version.
func (s *Store) UpdateOrder(ctx context.Context, o *commerce.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = ?,
			applied_at = ?,
			failure_reason = ?,
			failure_code = ?,
			failure_response = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND guild_id = ? AND version = ?`,
		o.Status, nullTime(o.AppliedAt), nullString(o.FailureReason),
		o.FailureCode, nullString(o.FailureResponse),
		time.Now().UTC().Format(time.RFC3339),
		o.ID, o.GuildID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return commerce.ErrConcurrentModification
	}
	o.Version++
	return nil
}

const orderColumns = `SELECT id, guild_id, user_id, amount, status, item_title, role_id,
	duration_days, applied_at, failure_reason, failure_code, failure_response,
	version, created_at, updated_at`

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]commerce.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []commerce.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(rows *sql.Rows) (commerce.Order, error) {
	var (
		o                          commerce.Order
		amount                     string
		roleID, appliedAt          sql.NullString
		failureReason, failureResp sql.NullString
		createdAt, updatedAt       string
	)

	err := rows.Scan(
		&o.ID, &o.GuildID, &o.UserID, &amount, &o.Status, &o.ItemTitle, &roleID,
		&o.DurationDays, &appliedAt, &failureReason, &o.FailureCode, &failureResp,
		&o.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return o, fmt.Errorf("failed to scan order: %w", err)
	}

	o.Amount = mustDecimal(amount)
	o.RoleID = roleID.String
	o.FailureReason = failureReason.String
	o.FailureResponse = failureResp.String
	if appliedAt.Valid {
		t, _ := time.Parse(time.RFC3339, appliedAt.String)
		o.AppliedAt = &t
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return o, nil
}

// =============================================================================
// BALANCE STORE (commerce.BalanceStore interface)
// =============================================================================

// GetBalance returns the cached balance, zero when no record exists.
func (s *Store) GetBalance(ctx context.Context, guildID, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT balance FROM balances WHERE guild_id = ? AND user_id = ?",
		guildID, userID,
	).Scan(&raw)

	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return mustDecimal(raw), nil
}

// UpsertBalance writes the balance by conflict key (guild_id, user_id).
func (s *Store) UpsertBalance(ctx context.Context, guildID, userID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (guild_id, user_id, balance, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at`,
		guildID, userID,
		commerce.Round2(balance).String(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert balance: %w", err)
	}
	return nil
}

// =============================================================================
// LEDGER STORE (commerce.LedgerStore interface)
// =============================================================================

// AppendEntry adds a ledger entry. This is the only write on the table.
func (s *Store) AppendEntry(ctx context.Context, e commerce.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, _ := json.Marshal(e.Metadata)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, guild_id, user_id, amount, entry_type, balance_after, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.GuildID, e.UserID,
		commerce.Round2(e.Amount).String(),
		e.Type,
		commerce.Round2(e.BalanceAfter).String(),
		string(metadataJSON),
		e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("duplicate ledger entry %s: %w", e.ID, err)
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// Entries returns a pair's ledger, oldest first.
func (s *Store) Entries(ctx context.Context, guildID, userID string) ([]commerce.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, user_id, amount, entry_type, balance_after, metadata_json, created_at
		FROM ledger_entries
		WHERE guild_id = ? AND user_id = ?
		ORDER BY created_at ASC, id ASC`, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []commerce.LedgerEntry
	for rows.Next() {
		var (
			e            commerce.LedgerEntry
			amount       string
			balanceAfter string
			metadataJSON sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&e.ID, &e.GuildID, &e.UserID, &amount, &e.Type,
			&balanceAfter, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Amount = mustDecimal(amount)
		e.BalanceAfter = mustDecimal(balanceAfter)
		if metadataJSON.Valid && metadataJSON.String != "" {
			json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"order_items", "orders", "balances", "ledger_entries"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
