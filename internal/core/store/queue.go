package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flashgate/flashgate/internal/core"
)

// NextSequence allocates the next waiting-room sequence for a sale. Sequences
// are never handed out twice, even across restarts.
func (s *Store) NextSequence(ctx context.Context, saleID string) (int64, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return 0, errors.New("sale id is required")
	}

	var next int64
	err = s.WithTx(ctx, func(ctx context.Context) error {
		row := s.conn(ctx).QueryRowContext(ctx, `SELECT next_sequence FROM queue_sequences WHERE sale_id = ?`, saleID)
		if err := row.Scan(&next); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("fetch queue sequence: %w", err)
			}
			next = 1
		}
		_, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO queue_sequences (sale_id, next_sequence)
			VALUES (?, ?)
			ON CONFLICT(sale_id) DO UPDATE SET next_sequence = excluded.next_sequence
		`, saleID, next+1)
		if err != nil {
			return fmt.Errorf("advance queue sequence: %w", err)
		}
		return nil
	})
	return next, err
}

// InsertEntry persists a new waiting-room entry.
func (s *Store) InsertEntry(ctx context.Context, entry core.QueueEntry) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	if entry.Token == "" || entry.SaleID == "" {
		return errors.New("entry token and sale id are required")
	}

	return s.WithTx(ctx, func(ctx context.Context) error {
		_, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO queue_entries (token, sale_id, identity, tier, sequence, state, enqueued_at, last_seen_at, admitted_at, ticket_id, ticket_consumed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.Token, entry.SaleID, entry.Identity, string(entry.Tier), entry.Sequence, string(entry.State),
			entry.EnqueuedAt.UTC().UnixMilli(), entry.LastSeenAt.UTC().UnixMilli(),
			nullMillis(entry.AdmittedAt), nullString(entry.TicketID), boolInt(entry.TicketConsumed))
		if err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}
		return nil
	})
}

// SaveEntry updates the mutable fields of an entry.
func (s *Store) SaveEntry(ctx context.Context, entry core.QueueEntry) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	return s.WithTx(ctx, func(ctx context.Context) error {
		result, err := s.conn(ctx).ExecContext(ctx, `
			UPDATE queue_entries
			SET state = ?, last_seen_at = ?, admitted_at = ?, ticket_id = ?, ticket_consumed = ?
			WHERE token = ?
		`, string(entry.State), entry.LastSeenAt.UTC().UnixMilli(), nullMillis(entry.AdmittedAt),
			nullString(entry.TicketID), boolInt(entry.TicketConsumed), entry.Token)
		if err != nil {
			return fmt.Errorf("update queue entry: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return core.ErrQueueExpired
		}
		return nil
	})
}

// ClaimTicket marks an admitted entry's ticket consumed. It fails with
// core.ErrInvalidTicket unless the ticket is admitted and unused.
func (s *Store) ClaimTicket(ctx context.Context, saleID, ticketID string) (core.QueueEntry, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return core.QueueEntry{}, err
	}

	var entry core.QueueEntry
	err = s.WithTx(ctx, func(ctx context.Context) error {
		result, err := s.conn(ctx).ExecContext(ctx, `
			UPDATE queue_entries
			SET ticket_consumed = 1
			WHERE sale_id = ? AND ticket_id = ? AND state = ? AND ticket_consumed = 0
		`, saleID, ticketID, string(core.EntryAdmitted))
		if err != nil {
			return fmt.Errorf("claim ticket: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return core.ErrInvalidTicket
		}
		entry, err = scanEntry(s.conn(ctx).QueryRowContext(ctx, entrySelect+` WHERE ticket_id = ?`, ticketID))
		return err
	})
	return entry, err
}

// GetEntry loads an entry by token.
func (s *Store) GetEntry(ctx context.Context, token string) (core.QueueEntry, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return core.QueueEntry{}, err
	}
	entry, err := scanEntry(s.conn(ctx).QueryRowContext(ctx, entrySelect+` WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return core.QueueEntry{}, core.ErrQueueExpired
	}
	return entry, err
}

// LoadActiveEntries returns the waiting and in-flight entries of a sale in
// sequence order.
func (s *Store) LoadActiveEntries(ctx context.Context, saleID string) ([]core.QueueEntry, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn(ctx).QueryContext(ctx, entrySelect+`
		WHERE sale_id = ? AND (state = ? OR (state = ? AND ticket_consumed = 0))
		ORDER BY sequence
	`, saleID, string(core.EntryWaiting), string(core.EntryAdmitted))
	if err != nil {
		return nil, fmt.Errorf("load queue entries: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []core.QueueEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load queue entries: %w", err)
	}
	return entries, nil
}

// PurgeEntries deletes finished entries last seen before the cutoff.
func (s *Store) PurgeEntries(ctx context.Context, before time.Time) (int64, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = s.WithTx(ctx, func(ctx context.Context) error {
		result, err := s.conn(ctx).ExecContext(ctx, `
			DELETE FROM queue_entries
			WHERE last_seen_at < ? AND (state IN (?, ?) OR ticket_consumed = 1)
		`, before.UTC().UnixMilli(), string(core.EntryExpired), string(core.EntryCancelled))
		if err != nil {
			return fmt.Errorf("purge queue entries: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

const entrySelect = `
	SELECT token, sale_id, identity, tier, sequence, state, enqueued_at, last_seen_at, admitted_at, ticket_id, ticket_consumed
	FROM queue_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (core.QueueEntry, error) {
	var (
		entry      core.QueueEntry
		tier       string
		state      string
		enqueuedAt int64
		lastSeenAt int64
		admittedAt sql.NullInt64
		ticketID   sql.NullString
		consumed   int
	)
	if err := row.Scan(&entry.Token, &entry.SaleID, &entry.Identity, &tier, &entry.Sequence, &state,
		&enqueuedAt, &lastSeenAt, &admittedAt, &ticketID, &consumed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.QueueEntry{}, err
		}
		return core.QueueEntry{}, fmt.Errorf("scan queue entry: %w", err)
	}
	entry.Tier = core.Tier(tier)
	entry.State = core.EntryState(state)
	entry.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
	entry.LastSeenAt = time.UnixMilli(lastSeenAt).UTC()
	entry.AdmittedAt = timeFromMillis(admittedAt)
	entry.TicketID = ticketID.String
	entry.TicketConsumed = consumed != 0
	return entry, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
