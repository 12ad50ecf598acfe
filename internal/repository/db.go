package repository

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist.
//
// The pool is pinned to a single connection: SQLite admits one writer at a
// time, and every order mutation is a conditional UPDATE whose WHERE clause
// carries the expected status and version. Other processes sharing the file
// wait on busy_timeout instead of failing.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			amount_cents INTEGER NOT NULL CHECK (amount_cents >= 0),
			created_at DATETIME NOT NULL,
			assigned_escort_id TEXT,
			assigned_at DATETIME,
			completed_at DATETIME,
			version INTEGER NOT NULL DEFAULT 1,
			snapshot TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_assigned_at ON orders(status, assigned_at)`,

		`CREATE TABLE IF NOT EXISTS order_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			actor TEXT,
			reason TEXT,
			version INTEGER NOT NULL,
			at DATETIME NOT NULL,
			FOREIGN KEY (order_id) REFERENCES orders(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id)`,

		`CREATE TABLE IF NOT EXISTS escorts (
			id TEXT PRIMARY KEY,
			level INTEGER NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS referral_edges (
			escort_id TEXT PRIMARY KEY,
			referrer_id TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_referral_edges_referrer ON referral_edges(referrer_id)`,

		`CREATE TABLE IF NOT EXISTS referral_imports (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			file_hash TEXT UNIQUE NOT NULL,
			edge_count INTEGER NOT NULL,
			escort_count INTEGER NOT NULL,
			imported_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS settlements (
			order_id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			distributed_cents INTEGER NOT NULL,
			residual_cents INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (order_id) REFERENCES orders(id)
		)`,

		`CREATE TABLE IF NOT EXISTS distribution_records (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			beneficiary_escort_id TEXT NOT NULL,
			beneficiary_level INTEGER NOT NULL,
			relation_level INTEGER NOT NULL CHECK (relation_level BETWEEN 1 AND 3),
			rate_bps INTEGER NOT NULL,
			amount_cents INTEGER NOT NULL CHECK (amount_cents >= 0),
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			settled_at DATETIME,
			cancelled_at DATETIME,
			UNIQUE (order_id, relation_level),
			FOREIGN KEY (order_id) REFERENCES settlements(order_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_distribution_records_status ON distribution_records(status)`,
		`CREATE INDEX IF NOT EXISTS idx_distribution_records_beneficiary ON distribution_records(beneficiary_escort_id)`,

		`CREATE TABLE IF NOT EXISTS wallet_transactions (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE NOT NULL,
			escort_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_transactions_escort ON wallet_transactions(escort_id)`,

		`CREATE TABLE IF NOT EXISTS discrepancies (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			order_id TEXT NOT NULL,
			record_id TEXT,
			expected_cents INTEGER NOT NULL,
			actual_cents INTEGER NOT NULL,
			difference_cents INTEGER NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			detected_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_type ON discrepancies(type)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_severity ON discrepancies(severity)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}

// --- shared helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
