package store

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS buckets (
		bucket_key TEXT PRIMARY KEY,
		tokens REAL NOT NULL,
		capacity REAL NOT NULL,
		refill_rate REAL NOT NULL,
		last_refill_ns INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_buckets_updated ON buckets(updated_at);`,
	`CREATE TABLE IF NOT EXISTS queue_sequences (
		sale_id TEXT PRIMARY KEY,
		next_sequence INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
		token TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL,
		identity TEXT NOT NULL,
		tier TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		state TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		admitted_at INTEGER,
		ticket_id TEXT,
		ticket_consumed INTEGER NOT NULL DEFAULT 0,
		UNIQUE(sale_id, sequence)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_active ON queue_entries(sale_id, state, sequence);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_entries_ticket ON queue_entries(ticket_id) WHERE ticket_id IS NOT NULL;`,
	`CREATE TABLE IF NOT EXISTS inventory_quotas (
		sale_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		total_units INTEGER NOT NULL,
		reserved_units INTEGER NOT NULL DEFAULT 0,
		sold_units INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (sale_id, product_id),
		CHECK (reserved_units >= 0 AND sold_units >= 0),
		CHECK (reserved_units + sold_units <= total_units)
	);`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		holder TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		state TEXT NOT NULL,
		release_reason TEXT,
		ticket_id TEXT,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_pending ON reservations(state, expires_at);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	if err := s.ensureColumn(ctx, "reservations", "ticket_id", "TEXT"); err != nil {
		return err
	}

	return nil
}

func (s *Store) ensureColumn(ctx context.Context, table, column, columnDef string) error {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	found := false
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}
	if found {
		return nil
	}
	_ = rows.Close()

	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}

	return nil
}
