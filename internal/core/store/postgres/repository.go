// Package postgres is the Postgres inventory repository. Quota counters are
// moved with conditional updates and reservations are locked with FOR UPDATE,
// so several flashgate nodes can share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/store/postgres/migrations"
)

type txKey struct{}

// Repository implements inventory.Repository on a pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, applies migrations and returns a repository.
func Open(ctx context.Context, dsn string, maxConns int32) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool), nil
}

// New wraps an existing pool. Migrations are the caller's concern.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Close releases the pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping verifies connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx runs fn in a transaction carried by ctx. Nested calls join the
// outer transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}
	return tx.Commit(ctx)
}

// ProvisionQuota inserts a quota unless one exists.
func (r *Repository) ProvisionQuota(ctx context.Context, saleID, productID string, totalUnits int64, now time.Time) (bool, error) {
	if saleID == "" || productID == "" {
		return false, errors.New("sale id and product id are required")
	}
	if totalUnits < 0 {
		return false, core.ErrInvalidQuantity
	}
	tag, err := r.exec(ctx, `
INSERT INTO inventory_quotas (sale_id, product_id, total_units, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (sale_id, product_id) DO NOTHING`, saleID, productID, totalUnits, now.UTC())
	if err != nil {
		return false, fmt.Errorf("provision quota: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetQuota loads one quota.
func (r *Repository) GetQuota(ctx context.Context, saleID, productID string) (core.InventoryQuota, error) {
	q, err := scanQuota(r.queryRow(ctx, quotaSelect+` WHERE sale_id = $1 AND product_id = $2`, saleID, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.InventoryQuota{}, core.ErrQuotaNotFound
	}
	return q, err
}

// ListQuotas lists the quotas of a sale, or all quotas when saleID is empty.
func (r *Repository) ListQuotas(ctx context.Context, saleID string) ([]core.InventoryQuota, error) {
	query := quotaSelect + ` ORDER BY sale_id, product_id`
	var args []any
	if saleID != "" {
		query = quotaSelect + ` WHERE sale_id = $1 ORDER BY product_id`
		args = append(args, saleID)
	}
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	defer rows.Close()

	out := []core.InventoryQuota{}
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	return out, nil
}

// ReserveUnits adds qty to reserved units if the quota can cover it. The
// row lock taken by the UPDATE serializes concurrent reservations.
func (r *Repository) ReserveUnits(ctx context.Context, saleID, productID string, qty int64, now time.Time) (bool, error) {
	tag, err := r.exec(ctx, `
UPDATE inventory_quotas
SET reserved_units = reserved_units + $3, version = version + 1, updated_at = $4
WHERE sale_id = $1 AND product_id = $2 AND reserved_units + sold_units + $3 <= total_units`,
		saleID, productID, qty, now.UTC())
	if err != nil {
		return false, fmt.Errorf("reserve units: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AdjustQuota applies deltas to reserved and sold units.
func (r *Repository) AdjustQuota(ctx context.Context, saleID, productID string, reservedDelta, soldDelta int64, now time.Time) error {
	tag, err := r.exec(ctx, `
UPDATE inventory_quotas
SET reserved_units = reserved_units + $3, sold_units = sold_units + $4, version = version + 1, updated_at = $5
WHERE sale_id = $1 AND product_id = $2`,
		saleID, productID, reservedDelta, soldDelta, now.UTC())
	if err != nil {
		return fmt.Errorf("adjust quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrQuotaNotFound
	}
	return nil
}

// CreateReservation inserts a reservation.
func (r *Repository) CreateReservation(ctx context.Context, res core.Reservation) error {
	_, err := r.exec(ctx, `
INSERT INTO reservations (id, sale_id, product_id, holder, quantity, state, release_reason, ticket_id, expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.ID, res.SaleID, res.ProductID, res.Holder, res.Quantity, string(res.State),
		nullText(string(res.ReleaseReason)), nullText(res.TicketID),
		res.ExpiresAt.UTC(), res.CreatedAt.UTC(), res.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrInvalidTicket
		}
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

// GetReservation loads a reservation.
func (r *Repository) GetReservation(ctx context.Context, id string) (core.Reservation, error) {
	return r.getReservation(ctx, id, "")
}

// LockReservation loads a reservation with a row lock held until the
// surrounding transaction ends.
func (r *Repository) LockReservation(ctx context.Context, id string) (core.Reservation, error) {
	return r.getReservation(ctx, id, " FOR UPDATE")
}

// UpdateReservationState moves a reservation to a new state.
func (r *Repository) UpdateReservationState(ctx context.Context, id string, state core.ReservationState, reason core.ReleaseReason, now time.Time) error {
	tag, err := r.exec(ctx, `
UPDATE reservations SET state = $2, release_reason = $3, updated_at = $4 WHERE id = $1`,
		id, string(state), nullText(string(reason)), now.UTC())
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrReservationNotFound
	}
	return nil
}

// ListExpiredReservations returns pending reservations whose TTL passed.
func (r *Repository) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]core.Reservation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.query(ctx, reservationSelect+`
WHERE state = 'pending' AND expires_at <= $1
ORDER BY expires_at
LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	out := []core.Reservation{}
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	return out, nil
}

func (r *Repository) getReservation(ctx context.Context, id, suffix string) (core.Reservation, error) {
	res, err := scanReservation(r.queryRow(ctx, reservationSelect+` WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Reservation{}, core.ErrReservationNotFound
	}
	return res, err
}

const quotaSelect = `
SELECT sale_id, product_id, total_units, reserved_units, sold_units, version, updated_at
FROM inventory_quotas`

func scanQuota(row pgx.Row) (core.InventoryQuota, error) {
	var q core.InventoryQuota
	if err := row.Scan(&q.SaleID, &q.ProductID, &q.TotalUnits, &q.ReservedUnits, &q.SoldUnits, &q.Version, &q.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.InventoryQuota{}, err
		}
		return core.InventoryQuota{}, fmt.Errorf("scan quota: %w", err)
	}
	q.UpdatedAt = q.UpdatedAt.UTC()
	return q, nil
}

const reservationSelect = `
SELECT id, sale_id, product_id, holder, quantity, state, release_reason, ticket_id, expires_at, created_at, updated_at
FROM reservations`

func scanReservation(row pgx.Row) (core.Reservation, error) {
	var (
		res      core.Reservation
		state    string
		reason   *string
		ticketID *string
	)
	if err := row.Scan(&res.ID, &res.SaleID, &res.ProductID, &res.Holder, &res.Quantity, &state, &reason, &ticketID,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Reservation{}, err
		}
		return core.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	res.State = core.ReservationState(state)
	if reason != nil {
		res.ReleaseReason = core.ReleaseReason(*reason)
	}
	if ticketID != nil {
		res.TicketID = *ticketID
	}
	res.ExpiresAt = res.ExpiresAt.UTC()
	res.CreatedAt = res.CreatedAt.UTC()
	res.UpdatedAt = res.UpdatedAt.UTC()
	return res, nil
}

func (r *Repository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *Repository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}

func (r *Repository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullText(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
