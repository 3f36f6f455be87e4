// Package inventory reserves, commits and releases units of sale products
// without ever letting reserved plus sold units exceed the provisioned total.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/breaker"
	"github.com/flashgate/flashgate/internal/metrics"
)

// Repository persists quotas and reservations. WithTx must run fn with
// exclusive access to the rows it touches.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ProvisionQuota(ctx context.Context, saleID, productID string, totalUnits int64, now time.Time) (bool, error)
	GetQuota(ctx context.Context, saleID, productID string) (core.InventoryQuota, error)
	ListQuotas(ctx context.Context, saleID string) ([]core.InventoryQuota, error)
	ReserveUnits(ctx context.Context, saleID, productID string, qty int64, now time.Time) (bool, error)
	AdjustQuota(ctx context.Context, saleID, productID string, reservedDelta, soldDelta int64, now time.Time) error
	CreateReservation(ctx context.Context, r core.Reservation) error
	GetReservation(ctx context.Context, id string) (core.Reservation, error)
	LockReservation(ctx context.Context, id string) (core.Reservation, error)
	UpdateReservationState(ctx context.Context, id string, state core.ReservationState, reason core.ReleaseReason, now time.Time) error
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]core.Reservation, error)
}

// TicketValidator spends admission tickets.
type TicketValidator interface {
	ConsumeTicket(ctx context.Context, ticket core.AdmissionTicket, identity string) error
}

// ReserveInput describes a reservation request.
type ReserveInput struct {
	SaleID    string
	ProductID string
	Identity  string
	Quantity  int64
	Ticket    *core.AdmissionTicket
}

const sweepBatch = 500

// Engine is the inventory reservation engine.
type Engine struct {
	repo    Repository
	tickets TicketValidator
	guard   breaker.Guard
	clock   func() time.Time
	logger  *logging.Logger
	ttl     time.Duration

	mu      sync.RWMutex
	saleTTL map[string]time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithTickets requires an admission ticket on every reservation.
func WithTickets(v TicketValidator) Option {
	return func(e *Engine) { e.tickets = v }
}

// WithGuard routes repository calls through a circuit breaker.
func WithGuard(guard breaker.Guard) Option {
	return func(e *Engine) { e.guard = guard }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTTL sets the reservation TTL for sales without their own.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithSales registers per-sale reservation TTLs.
func WithSales(sales []core.SaleConfig) Option {
	return func(e *Engine) {
		for _, sale := range sales {
			e.saleTTL[sale.ID] = sale.WithDefaults().ReservationTTL
		}
	}
}

// NewEngine builds an engine over repo.
func NewEngine(repo Repository, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("inventory repository is required")
	}
	e := &Engine{
		repo:    repo,
		ttl:     core.DefaultReservationTTL,
		saleTTL: map[string]time.Duration{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Reserve holds in.Quantity units for in.Identity. The admission ticket is
// spent before inventory is checked, so a failed reservation still burns it.
func (e *Engine) Reserve(ctx context.Context, in ReserveInput) (core.Reservation, error) {
	if in.Quantity <= 0 {
		return core.Reservation{}, core.ErrInvalidQuantity
	}
	if in.SaleID == "" || in.ProductID == "" {
		return core.Reservation{}, fmt.Errorf("%w: sale and product are required", core.ErrQuotaNotFound)
	}

	ticketID := ""
	if e.tickets != nil {
		if in.Ticket == nil || in.Ticket.SaleID != in.SaleID {
			metrics.RecordReservation("invalid_ticket")
			return core.Reservation{}, core.ErrInvalidTicket
		}
		if err := e.tickets.ConsumeTicket(ctx, *in.Ticket, in.Identity); err != nil {
			if errors.Is(err, core.ErrInvalidTicket) {
				metrics.RecordReservation("invalid_ticket")
			}
			return core.Reservation{}, err
		}
		ticketID = in.Ticket.ID
	}

	now := e.now()
	reservation := core.Reservation{
		ID:        uuid.NewString(),
		SaleID:    in.SaleID,
		ProductID: in.ProductID,
		Holder:    in.Identity,
		Quantity:  in.Quantity,
		State:     core.ReservationPending,
		TicketID:  ticketID,
		ExpiresAt: now.Add(e.ttlFor(in.SaleID)),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := e.tx(ctx, func(ctx context.Context) error {
		ok, err := e.repo.ReserveUnits(ctx, in.SaleID, in.ProductID, in.Quantity, now)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := e.repo.GetQuota(ctx, in.SaleID, in.ProductID); err != nil {
				return err
			}
			return core.ErrInsufficientInventory
		}
		return e.repo.CreateReservation(ctx, reservation)
	})
	if err != nil {
		if errors.Is(err, core.ErrInsufficientInventory) {
			metrics.RecordReservation("insufficient")
		}
		return core.Reservation{}, err
	}

	metrics.RecordReservation("reserved")
	return reservation, nil
}

// Commit turns a pending reservation into a sale. Committing twice returns
// core.ErrAlreadyTerminal without moving units again. Committing at or after
// the expiry releases the units and returns core.ErrReservationExpired.
func (e *Engine) Commit(ctx context.Context, id string) (core.Reservation, error) {
	var (
		result  core.Reservation
		expired bool
	)
	err := e.tx(ctx, func(ctx context.Context) error {
		r, err := e.repo.LockReservation(ctx, id)
		if err != nil {
			return err
		}
		if r.Terminal() {
			result = r
			if r.State == core.ReservationReleased && r.ReleaseReason == core.ReleaseExpired {
				return core.ErrReservationExpired
			}
			return core.ErrAlreadyTerminal
		}

		now := e.now()
		if !now.Before(r.ExpiresAt) {
			result, err = e.release(ctx, r, core.ReleaseExpired, now)
			expired = true
			return err
		}

		if err := e.repo.AdjustQuota(ctx, r.SaleID, r.ProductID, -r.Quantity, r.Quantity, now); err != nil {
			return err
		}
		if err := e.repo.UpdateReservationState(ctx, r.ID, core.ReservationCommitted, "", now); err != nil {
			return err
		}
		r.State = core.ReservationCommitted
		r.UpdatedAt = now
		result = r
		return nil
	})
	if err != nil {
		return result, err
	}
	if expired {
		metrics.RecordReservation("expired")
		return result, core.ErrReservationExpired
	}
	metrics.RecordReservation("committed")
	return result, nil
}

// Release cancels a pending reservation and returns its units.
func (e *Engine) Release(ctx context.Context, id string) (core.Reservation, error) {
	var result core.Reservation
	err := e.tx(ctx, func(ctx context.Context) error {
		r, err := e.repo.LockReservation(ctx, id)
		if err != nil {
			return err
		}
		if r.Terminal() {
			result = r
			return core.ErrAlreadyTerminal
		}
		result, err = e.release(ctx, r, core.ReleaseCancelled, e.now())
		return err
	})
	if err != nil {
		return result, err
	}
	metrics.RecordReservation("released")
	return result, nil
}

// Sweep releases pending reservations past their expiry and returns how many
// it released. Reservations committed or released concurrently are skipped.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	now := e.now()
	var expired []core.Reservation
	err := breaker.Call(ctx, e.guard, func(ctx context.Context) error {
		var err error
		expired, err = e.repo.ListExpiredReservations(ctx, now, sweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}

	var (
		released int64
		errs     []error
	)
	for _, candidate := range expired {
		err := e.tx(ctx, func(ctx context.Context) error {
			r, err := e.repo.LockReservation(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if r.Terminal() || now.Before(r.ExpiresAt) {
				return nil
			}
			if _, err := e.release(ctx, r, core.ReleaseExpired, now); err != nil {
				return err
			}
			released++
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("reservation %s: %w", candidate.ID, err))
			if e.logger != nil {
				e.logger.Warn("Failed to release expired reservation", zap.String("reservation", candidate.ID), zap.Error(err))
			}
		}
	}
	if released > 0 {
		metrics.RecordReservation("expired")
	}
	return released, errors.Join(errs...)
}

// Get loads a reservation.
func (e *Engine) Get(ctx context.Context, id string) (core.Reservation, error) {
	var r core.Reservation
	err := breaker.Call(ctx, e.guard, func(ctx context.Context) error {
		var err error
		r, err = e.repo.GetReservation(ctx, id)
		return err
	})
	return r, err
}

// Quota loads the counters of one product.
func (e *Engine) Quota(ctx context.Context, saleID, productID string) (core.InventoryQuota, error) {
	var q core.InventoryQuota
	err := breaker.Call(ctx, e.guard, func(ctx context.Context) error {
		var err error
		q, err = e.repo.GetQuota(ctx, saleID, productID)
		return err
	})
	return q, err
}

// Quotas lists the quotas of a sale, or all quotas when saleID is empty.
func (e *Engine) Quotas(ctx context.Context, saleID string) ([]core.InventoryQuota, error) {
	var out []core.InventoryQuota
	err := breaker.Call(ctx, e.guard, func(ctx context.Context) error {
		var err error
		out, err = e.repo.ListQuotas(ctx, saleID)
		return err
	})
	return out, err
}

// ProvisionQuota creates the quota for a product if it does not exist yet.
// It reports whether a new quota was created.
func (e *Engine) ProvisionQuota(ctx context.Context, saleID, productID string, units int64) (bool, error) {
	if units < 0 {
		return false, core.ErrInvalidQuantity
	}
	var created bool
	err := breaker.Call(ctx, e.guard, func(ctx context.Context) error {
		var err error
		created, err = e.repo.ProvisionQuota(ctx, saleID, productID, units, e.now())
		return err
	})
	return created, err
}

// ProvisionSales provisions every product of every sale.
func (e *Engine) ProvisionSales(ctx context.Context, sales []core.SaleConfig) error {
	for _, sale := range sales {
		e.mu.Lock()
		e.saleTTL[sale.ID] = sale.WithDefaults().ReservationTTL
		e.mu.Unlock()
		for product, units := range sale.Products {
			created, err := e.ProvisionQuota(ctx, sale.ID, product, units)
			if err != nil {
				return fmt.Errorf("provision %s/%s: %w", sale.ID, product, err)
			}
			if created && e.logger != nil {
				e.logger.Info("Provisioned inventory quota",
					zap.String("sale", sale.ID), zap.String("product", product), zap.Int64("units", units))
			}
		}
	}
	return nil
}

// release marks r released and returns its units. Caller is inside a tx.
func (e *Engine) release(ctx context.Context, r core.Reservation, reason core.ReleaseReason, now time.Time) (core.Reservation, error) {
	if err := e.repo.AdjustQuota(ctx, r.SaleID, r.ProductID, -r.Quantity, 0, now); err != nil {
		return r, err
	}
	if err := e.repo.UpdateReservationState(ctx, r.ID, core.ReservationReleased, reason, now); err != nil {
		return r, err
	}
	r.State = core.ReservationReleased
	r.ReleaseReason = reason
	r.UpdatedAt = now
	return r, nil
}

func (e *Engine) tx(ctx context.Context, fn func(ctx context.Context) error) error {
	return breaker.Call(ctx, e.guard, func(ctx context.Context) error {
		return e.repo.WithTx(ctx, fn)
	})
}

func (e *Engine) ttlFor(saleID string) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ttl, ok := e.saleTTL[saleID]; ok && ttl > 0 {
		return ttl
	}
	return e.ttl
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now().UTC()
}
