package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flashgate/flashgate/internal/core"
)

// ProvisionQuota creates a quota if it does not exist yet. Existing counters
// are left untouched so restarts never reset sold inventory.
func (s *Store) ProvisionQuota(ctx context.Context, saleID, productID string, totalUnits int64, now time.Time) (bool, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return false, err
	}
	if saleID == "" || productID == "" {
		return false, errors.New("sale id and product id are required")
	}
	if totalUnits < 0 {
		return false, core.ErrInvalidQuantity
	}

	var created bool
	err = s.WithTx(ctx, func(ctx context.Context) error {
		result, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO inventory_quotas (sale_id, product_id, total_units, reserved_units, sold_units, version, updated_at)
			VALUES (?, ?, ?, 0, 0, 0, ?)
			ON CONFLICT(sale_id, product_id) DO NOTHING
		`, saleID, productID, totalUnits, now.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("provision quota: %w", err)
		}
		n, err := result.RowsAffected()
		created = n > 0
		return err
	})
	return created, err
}

// GetQuota loads a quota.
func (s *Store) GetQuota(ctx context.Context, saleID, productID string) (core.InventoryQuota, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return core.InventoryQuota{}, err
	}
	quota, err := scanQuota(s.conn(ctx).QueryRowContext(ctx, quotaSelect+` WHERE sale_id = ? AND product_id = ?`, saleID, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.InventoryQuota{}, core.ErrQuotaNotFound
	}
	return quota, err
}

// ListQuotas returns all quotas of a sale, or every quota when saleID is empty.
func (s *Store) ListQuotas(ctx context.Context, saleID string) ([]core.InventoryQuota, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	query := quotaSelect + ` ORDER BY sale_id, product_id`
	args := []any{}
	if saleID != "" {
		query = quotaSelect + ` WHERE sale_id = ? ORDER BY product_id`
		args = append(args, saleID)
	}

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	quotas := []core.InventoryQuota{}
	for rows.Next() {
		quota, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		quotas = append(quotas, quota)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	return quotas, nil
}

// ReserveUnits increments reserved units only while reserved+sold+qty stays
// within total. It reports false when the quota cannot cover qty.
func (s *Store) ReserveUnits(ctx context.Context, saleID, productID string, qty int64, now time.Time) (bool, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return false, err
	}

	var ok bool
	err = s.WithTx(ctx, func(ctx context.Context) error {
		result, err := s.conn(ctx).ExecContext(ctx, `
			UPDATE inventory_quotas
			SET reserved_units = reserved_units + ?, version = version + 1, updated_at = ?
			WHERE sale_id = ? AND product_id = ? AND reserved_units + sold_units + ? <= total_units
		`, qty, now.UTC().UnixMilli(), saleID, productID, qty)
		if err != nil {
			return fmt.Errorf("reserve units: %w", err)
		}
		n, err := result.RowsAffected()
		ok = n == 1
		return err
	})
	return ok, err
}

// AdjustQuota applies deltas to reserved and sold units.
func (s *Store) AdjustQuota(ctx context.Context, saleID, productID string, reservedDelta, soldDelta int64, now time.Time) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	return s.WithTx(ctx, func(ctx context.Context) error {
		result, err := s.conn(ctx).ExecContext(ctx, `
			UPDATE inventory_quotas
			SET reserved_units = reserved_units + ?, sold_units = sold_units + ?, version = version + 1, updated_at = ?
			WHERE sale_id = ? AND product_id = ?
		`, reservedDelta, soldDelta, now.UTC().UnixMilli(), saleID, productID)
		if err != nil {
			return fmt.Errorf("adjust quota: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return core.ErrQuotaNotFound
		}
		return nil
	})
}

// CreateReservation inserts a new reservation.
func (s *Store) CreateReservation(ctx context.Context, r core.Reservation) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	return s.WithTx(ctx, func(ctx context.Context) error {
		_, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO reservations (id, sale_id, product_id, holder, quantity, state, release_reason, ticket_id, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.SaleID, r.ProductID, r.Holder, r.Quantity, string(r.State), nullString(string(r.ReleaseReason)),
			nullString(r.TicketID), r.ExpiresAt.UTC().UnixMilli(), r.CreatedAt.UTC().UnixMilli(), r.UpdatedAt.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}
		return nil
	})
}

// GetReservation loads a reservation.
func (s *Store) GetReservation(ctx context.Context, id string) (core.Reservation, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return core.Reservation{}, err
	}
	r, err := scanReservation(s.conn(ctx).QueryRowContext(ctx, reservationSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Reservation{}, core.ErrReservationNotFound
	}
	return r, err
}

// LockReservation loads a reservation inside the caller's transaction. The
// single-writer transaction already excludes concurrent writers.
func (s *Store) LockReservation(ctx context.Context, id string) (core.Reservation, error) {
	return s.GetReservation(ctx, id)
}

// UpdateReservationState moves a reservation to a new state.
func (s *Store) UpdateReservationState(ctx context.Context, id string, state core.ReservationState, reason core.ReleaseReason, now time.Time) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	return s.WithTx(ctx, func(ctx context.Context) error {
		result, err := s.conn(ctx).ExecContext(ctx, `
			UPDATE reservations
			SET state = ?, release_reason = ?, updated_at = ?
			WHERE id = ?
		`, string(state), nullString(string(reason)), now.UTC().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return core.ErrReservationNotFound
		}
		return nil
	})
}

// ListExpiredReservations returns pending reservations whose TTL passed.
func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]core.Reservation, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.conn(ctx).QueryContext(ctx, reservationSelect+`
		WHERE state = ? AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?
	`, string(core.ReservationPending), now.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	out := []core.Reservation{}
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	return out, nil
}

const quotaSelect = `
	SELECT sale_id, product_id, total_units, reserved_units, sold_units, version, updated_at
	FROM inventory_quotas`

func scanQuota(row rowScanner) (core.InventoryQuota, error) {
	var (
		q         core.InventoryQuota
		updatedAt int64
	)
	if err := row.Scan(&q.SaleID, &q.ProductID, &q.TotalUnits, &q.ReservedUnits, &q.SoldUnits, &q.Version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.InventoryQuota{}, err
		}
		return core.InventoryQuota{}, fmt.Errorf("scan quota: %w", err)
	}
	q.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return q, nil
}

const reservationSelect = `
	SELECT id, sale_id, product_id, holder, quantity, state, release_reason, ticket_id, expires_at, created_at, updated_at
	FROM reservations`

func scanReservation(row rowScanner) (core.Reservation, error) {
	var (
		r         core.Reservation
		state     string
		reason    sql.NullString
		ticketID  sql.NullString
		expiresAt int64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&r.ID, &r.SaleID, &r.ProductID, &r.Holder, &r.Quantity, &state, &reason, &ticketID,
		&expiresAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Reservation{}, err
		}
		return core.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	r.State = core.ReservationState(state)
	r.ReleaseReason = core.ReleaseReason(reason.String)
	r.TicketID = ticketID.String
	r.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return r, nil
}
