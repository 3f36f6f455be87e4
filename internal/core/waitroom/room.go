// Package waitroom implements the per-sale virtual waiting room. Entries are
// released strictly in sequence order, paced by a sale-scoped token bucket
// and capped by the number of admitted entries that have not reserved yet.
package waitroom

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/breaker"
	"github.com/flashgate/flashgate/internal/core/ratelimit"
	"github.com/flashgate/flashgate/internal/metrics"
)

// Store persists waiting-room entries and sequence counters.
type Store interface {
	NextSequence(ctx context.Context, saleID string) (int64, error)
	InsertEntry(ctx context.Context, entry core.QueueEntry) error
	SaveEntry(ctx context.Context, entry core.QueueEntry) error
	ClaimTicket(ctx context.Context, saleID, ticketID string) (core.QueueEntry, error)
	LoadActiveEntries(ctx context.Context, saleID string) ([]core.QueueEntry, error)
}

// Pacer debits the sale admission bucket.
type Pacer interface {
	Check(ctx context.Context, key core.LimiterKey, cost int, opts ...ratelimit.CheckOption) (core.Decision, error)
}

// Room owns the waiting rooms of all configured sales.
type Room struct {
	store  Store
	pacer  Pacer
	guard  breaker.Guard
	clock  func() time.Time
	logger *logging.Logger

	mu    sync.RWMutex
	sales map[string]*saleQueue
}

// Option configures a Room.
type Option func(*Room)

// WithGuard routes store calls through a circuit breaker.
func WithGuard(guard breaker.Guard) Option {
	return func(r *Room) { r.guard = guard }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(r *Room) { r.clock = clock }
}

// WithLogger sets the logger used for background failures.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Room) { r.logger = logger }
}

// New builds a Room for the given sales. A nil pacer admits without rate pacing.
func New(store Store, pacer Pacer, sales []core.SaleConfig, opts ...Option) (*Room, error) {
	if store == nil {
		return nil, errors.New("waitroom store is required")
	}
	r := &Room{
		store: store,
		pacer: pacer,
		sales: make(map[string]*saleQueue, len(sales)),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, cfg := range sales {
		if err := r.AddSale(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddSale registers or reconfigures a sale.
func (r *Room) AddSale(cfg core.SaleConfig) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.sales[cfg.ID]; ok {
		q.mu.Lock()
		q.cfg = cfg
		q.mu.Unlock()
		return nil
	}
	r.sales[cfg.ID] = newSaleQueue(cfg)
	return nil
}

// Sales lists the registered sale IDs.
func (r *Room) Sales() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sales))
	for id := range r.sales {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Enqueue places identity at the back of the sale's waiting room and returns
// its entry token. An identity that already holds an active entry gets the
// same token back.
func (r *Room) Enqueue(ctx context.Context, saleID, identity string, tier core.Tier) (string, error) {
	if identity == "" {
		return "", errors.New("identity is required")
	}
	q, err := r.sale(saleID)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := r.hydrate(ctx, q); err != nil {
		return "", err
	}

	now := r.now()
	r.expire(ctx, q, now)
	if existing, ok := q.byIdentity[identity]; ok {
		return existing.Token, nil
	}

	var seq int64
	err = breaker.Call(ctx, r.guard, func(ctx context.Context) error {
		var err error
		seq, err = r.store.NextSequence(ctx, saleID)
		return err
	})
	if err != nil {
		return "", err
	}

	entry := &core.QueueEntry{
		Token:      EncodeToken(saleID, seq),
		SaleID:     saleID,
		Identity:   identity,
		Tier:       tier,
		Sequence:   seq,
		State:      core.EntryWaiting,
		EnqueuedAt: now,
		LastSeenAt: now,
	}
	err = breaker.Call(ctx, r.guard, func(ctx context.Context) error {
		return r.store.InsertEntry(ctx, *entry)
	})
	if err != nil {
		return "", err
	}

	q.push(entry)
	metrics.RecordWaitroomEvent(saleID, "enqueued")
	r.advance(ctx, q, now)
	return entry.Token, nil
}

// Poll reports the entry's status. Waiting entries refresh their dwell timer.
func (r *Room) Poll(ctx context.Context, token string) (core.PollResult, error) {
	saleID, _, ok := DecodeToken(token)
	if !ok {
		return core.PollResult{Status: core.PollExpired}, nil
	}
	q, err := r.sale(saleID)
	if err != nil {
		return core.PollResult{Status: core.PollExpired}, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := r.hydrate(ctx, q); err != nil {
		return core.PollResult{}, err
	}

	now := r.now()
	r.expire(ctx, q, now)
	r.advance(ctx, q, now)

	entry, ok := q.byToken[token]
	if !ok {
		return core.PollResult{Status: core.PollExpired}, nil
	}

	entry.LastSeenAt = now
	if err := r.save(ctx, *entry); err != nil {
		return core.PollResult{}, err
	}

	if entry.State == core.EntryAdmitted {
		return core.PollResult{Status: core.PollAdmitted, Ticket: entry.Ticket(q.cfg.DwellTimeout)}, nil
	}

	position := q.position(entry)
	return core.PollResult{
		Status:        core.PollWaiting,
		Position:      position,
		EstimatedWait: estimateWait(position, q.cfg.AdmissionRatePerSecond),
	}, nil
}

// Leave cancels an active entry. Leaving twice, or after expiry, is a no-op.
func (r *Room) Leave(ctx context.Context, token string) error {
	saleID, _, ok := DecodeToken(token)
	if !ok {
		return core.ErrQueueExpired
	}
	q, err := r.sale(saleID)
	if err != nil {
		return core.ErrQueueExpired
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := r.hydrate(ctx, q); err != nil {
		return err
	}

	entry, ok := q.byToken[token]
	if !ok {
		return nil
	}
	entry.State = core.EntryCancelled
	entry.LastSeenAt = r.now()
	if err := r.save(ctx, *entry); err != nil {
		return err
	}
	q.remove(entry)
	metrics.RecordWaitroomEvent(saleID, "cancelled")
	r.advance(ctx, q, r.now())
	return nil
}

// ConsumeTicket spends an admission ticket. It succeeds at most once per
// ticket; consumed, expired, unknown or foreign tickets yield
// core.ErrInvalidTicket. An empty identity skips the holder check.
func (r *Room) ConsumeTicket(ctx context.Context, ticket core.AdmissionTicket, identity string) error {
	q, err := r.sale(ticket.SaleID)
	if err != nil {
		return core.ErrInvalidTicket
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := r.hydrate(ctx, q); err != nil {
		return err
	}

	now := r.now()
	r.expire(ctx, q, now)

	entry, ok := q.byTicket[ticket.ID]
	if !ok || ticket.ID == "" {
		return core.ErrInvalidTicket
	}
	if identity != "" && entry.Identity != identity {
		return core.ErrInvalidTicket
	}

	err = breaker.Call(ctx, r.guard, func(ctx context.Context) error {
		_, err := r.store.ClaimTicket(ctx, ticket.SaleID, ticket.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, core.ErrInvalidTicket) {
			q.remove(entry)
		}
		return err
	}

	entry.TicketConsumed = true
	q.remove(entry)
	metrics.RecordWaitroomEvent(ticket.SaleID, "claimed")
	r.advance(ctx, q, now)
	return nil
}

// Sweep expires stale entries and releases newly eligible ones in every sale.
// It returns the number of entries expired.
func (r *Room) Sweep(ctx context.Context) (int64, error) {
	var (
		total int64
		errs  []error
	)
	for _, saleID := range r.Sales() {
		q, err := r.sale(saleID)
		if err != nil {
			continue
		}
		q.mu.Lock()
		if err := r.hydrate(ctx, q); err != nil {
			errs = append(errs, fmt.Errorf("sale %s: %w", saleID, err))
			q.mu.Unlock()
			continue
		}
		now := r.now()
		total += int64(r.expire(ctx, q, now))
		r.advance(ctx, q, now)
		metrics.SetWaitroomDepth(saleID, len(q.waiting), q.inFlight())
		q.mu.Unlock()
	}
	return total, errors.Join(errs...)
}

// Stats summarizes a sale's waiting room.
func (r *Room) Stats(ctx context.Context, saleID string) (core.QueueStats, error) {
	q, err := r.sale(saleID)
	if err != nil {
		return core.QueueStats{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := r.hydrate(ctx, q); err != nil {
		return core.QueueStats{}, err
	}
	r.expire(ctx, q, r.now())

	return core.QueueStats{
		SaleID:       saleID,
		Waiting:      len(q.waiting),
		InFlight:     q.inFlight(),
		MaxInFlight:  q.cfg.MaxInFlight,
		NextSequence: q.lastSequence + 1,
	}, nil
}

func (r *Room) sale(saleID string) (*saleQueue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.sales[saleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownSale, saleID)
	}
	return q, nil
}

// hydrate loads active entries persisted before a restart. Caller holds q.mu.
func (r *Room) hydrate(ctx context.Context, q *saleQueue) error {
	if q.loaded {
		return nil
	}
	var entries []core.QueueEntry
	err := breaker.Call(ctx, r.guard, func(ctx context.Context) error {
		var err error
		entries, err = r.store.LoadActiveEntries(ctx, q.cfg.ID)
		return err
	})
	if err != nil {
		return err
	}
	for i := range entries {
		entry := entries[i]
		q.push(&entry)
	}
	q.loaded = true
	return nil
}

// expire moves entries past their dwell timeout to Expired. Caller holds q.mu.
func (r *Room) expire(ctx context.Context, q *saleQueue, now time.Time) int {
	dwell := q.cfg.DwellTimeout
	var stale []*core.QueueEntry
	for _, entry := range q.byToken {
		switch {
		case entry.State == core.EntryWaiting && !now.Before(entry.LastSeenAt.Add(dwell)):
			stale = append(stale, entry)
		case entry.InFlight() && entry.AdmittedAt != nil && !now.Before(entry.AdmittedAt.Add(dwell)):
			stale = append(stale, entry)
		}
	}

	for _, entry := range stale {
		entry.State = core.EntryExpired
		if err := r.save(ctx, *entry); err != nil {
			r.warn("Failed to persist expired queue entry", err, zap.String("sale", q.cfg.ID), zap.String("token", entry.Token))
		}
		q.remove(entry)
		metrics.RecordWaitroomEvent(q.cfg.ID, "expired")
	}
	return len(stale)
}

// advance admits eligible entries while the sale bucket has tokens and
// in-flight slots are free. Caller holds q.mu.
func (r *Room) advance(ctx context.Context, q *saleQueue, now time.Time) {
	key := core.LimiterKey{Scope: core.ScopeSale, Identity: q.cfg.ID}
	policy := ratelimit.WithPolicy(q.cfg.AdmissionPolicy())

	for {
		entry := q.nextEligible()
		if entry == nil {
			return
		}
		if r.pacer != nil {
			decision, err := r.pacer.Check(ctx, key, 1, policy)
			if err != nil {
				r.warn("Failed to pace waiting room release", err, zap.String("sale", q.cfg.ID))
				return
			}
			if !decision.Allowed {
				return
			}
		}

		admittedAt := now
		next := *entry
		next.State = core.EntryAdmitted
		next.AdmittedAt = &admittedAt
		next.TicketID = uuid.NewString()
		if err := r.save(ctx, next); err != nil {
			r.warn("Failed to persist admission", err, zap.String("sale", q.cfg.ID), zap.String("token", entry.Token))
			return
		}
		q.admit(entry, next)
		metrics.RecordWaitroomEvent(q.cfg.ID, "admitted")
	}
}

func (r *Room) save(ctx context.Context, entry core.QueueEntry) error {
	return breaker.Call(ctx, r.guard, func(ctx context.Context) error {
		return r.store.SaveEntry(ctx, entry)
	})
}

func (r *Room) warn(msg string, err error, fields ...zap.Field) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(msg, append(fields, zap.Error(err))...)
}

func (r *Room) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now().UTC()
}

func estimateWait(position int, rate float64) time.Duration {
	if position <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(float64(position)/rate)) * time.Second
}
