package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashgate/flashgate/internal/core"
)

type txMarker struct{}

// memRepo serializes every transaction behind one mutex.
type memRepo struct {
	mu           sync.Mutex
	quotas       map[string]core.InventoryQuota
	reservations map[string]core.Reservation
	failReserve  error
}

func newMemRepo() *memRepo {
	return &memRepo{quotas: map[string]core.InventoryQuota{}, reservations: map[string]core.Reservation{}}
}

func quotaKey(saleID, productID string) string { return saleID + "/" + productID }

func (m *memRepo) lock(ctx context.Context) func() {
	if ctx.Value(txMarker{}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *memRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	quotas := make(map[string]core.InventoryQuota, len(m.quotas))
	for k, v := range m.quotas {
		quotas[k] = v
	}
	reservations := make(map[string]core.Reservation, len(m.reservations))
	for k, v := range m.reservations {
		reservations[k] = v
	}
	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		m.quotas, m.reservations = quotas, reservations
		return err
	}
	return nil
}

func (m *memRepo) ProvisionQuota(ctx context.Context, saleID, productID string, totalUnits int64, now time.Time) (bool, error) {
	defer m.lock(ctx)()
	key := quotaKey(saleID, productID)
	if _, ok := m.quotas[key]; ok {
		return false, nil
	}
	m.quotas[key] = core.InventoryQuota{SaleID: saleID, ProductID: productID, TotalUnits: totalUnits, UpdatedAt: now}
	return true, nil
}

func (m *memRepo) GetQuota(ctx context.Context, saleID, productID string) (core.InventoryQuota, error) {
	defer m.lock(ctx)()
	q, ok := m.quotas[quotaKey(saleID, productID)]
	if !ok {
		return core.InventoryQuota{}, core.ErrQuotaNotFound
	}
	return q, nil
}

func (m *memRepo) ListQuotas(ctx context.Context, saleID string) ([]core.InventoryQuota, error) {
	defer m.lock(ctx)()
	var out []core.InventoryQuota
	for _, q := range m.quotas {
		if saleID == "" || q.SaleID == saleID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *memRepo) ReserveUnits(ctx context.Context, saleID, productID string, qty int64, now time.Time) (bool, error) {
	defer m.lock(ctx)()
	if m.failReserve != nil {
		return false, m.failReserve
	}
	key := quotaKey(saleID, productID)
	q, ok := m.quotas[key]
	if !ok || q.ReservedUnits+q.SoldUnits+qty > q.TotalUnits {
		return false, nil
	}
	q.ReservedUnits += qty
	q.Version++
	m.quotas[key] = q
	return true, nil
}

func (m *memRepo) AdjustQuota(ctx context.Context, saleID, productID string, reservedDelta, soldDelta int64, now time.Time) error {
	defer m.lock(ctx)()
	key := quotaKey(saleID, productID)
	q, ok := m.quotas[key]
	if !ok {
		return core.ErrQuotaNotFound
	}
	q.ReservedUnits += reservedDelta
	q.SoldUnits += soldDelta
	q.Version++
	m.quotas[key] = q
	return nil
}

func (m *memRepo) CreateReservation(ctx context.Context, r core.Reservation) error {
	defer m.lock(ctx)()
	m.reservations[r.ID] = r
	return nil
}

func (m *memRepo) GetReservation(ctx context.Context, id string) (core.Reservation, error) {
	defer m.lock(ctx)()
	r, ok := m.reservations[id]
	if !ok {
		return core.Reservation{}, core.ErrReservationNotFound
	}
	return r, nil
}

func (m *memRepo) LockReservation(ctx context.Context, id string) (core.Reservation, error) {
	return m.GetReservation(ctx, id)
}

func (m *memRepo) UpdateReservationState(ctx context.Context, id string, state core.ReservationState, reason core.ReleaseReason, now time.Time) error {
	defer m.lock(ctx)()
	r, ok := m.reservations[id]
	if !ok {
		return core.ErrReservationNotFound
	}
	r.State = state
	r.ReleaseReason = reason
	r.UpdatedAt = now
	m.reservations[id] = r
	return nil
}

func (m *memRepo) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]core.Reservation, error) {
	defer m.lock(ctx)()
	var out []core.Reservation
	for _, r := range m.reservations {
		if r.State == core.ReservationPending && !now.Before(r.ExpiresAt) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTickets struct {
	mu       sync.Mutex
	consumed map[string]bool
}

func (f *fakeTickets) ConsumeTicket(ctx context.Context, ticket core.AdmissionTicket, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumed[ticket.ID] {
		return core.ErrInvalidTicket
	}
	f.consumed[ticket.ID] = true
	return nil
}

func newTestEngine(t *testing.T, units int64, opts ...Option) (*Engine, *memRepo, *fakeClock) {
	t.Helper()
	repo := newMemRepo()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now), WithTTL(60 * time.Second)}, opts...)
	engine, err := NewEngine(repo, opts...)
	require.NoError(t, err)
	_, err = engine.ProvisionQuota(context.Background(), "sale-1", "sku-1", units)
	require.NoError(t, err)
	return engine, repo, clock
}

func reserveInput(qty int64) ReserveInput {
	return ReserveInput{SaleID: "sale-1", ProductID: "sku-1", Identity: "alice", Quantity: qty}
}

func TestReserveConcurrentOnlyFitsQuota(t *testing.T) {
	engine, _, _ := newTestEngine(t, 10)
	ctx := context.Background()

	var (
		wg           sync.WaitGroup
		succeeded    atomic.Int32
		insufficient atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Reserve(ctx, reserveInput(3))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, core.ErrInsufficientInventory):
				insufficient.Add(1)
			default:
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), succeeded.Load())
	assert.Equal(t, int32(1), insufficient.Load())

	quota, err := engine.Quota(ctx, "sale-1", "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), quota.ReservedUnits)
	assert.Equal(t, int64(1), quota.Available())
}

func TestInventoryNeverOversells(t *testing.T) {
	engine, _, _ := newTestEngine(t, 25)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := engine.Reserve(ctx, reserveInput(int64(i%3+1)))
			if err != nil {
				return
			}
			switch i % 4 {
			case 0:
				_, _ = engine.Release(ctx, r.ID)
			case 1:
				_, _ = engine.Commit(ctx, r.ID)
			}
			quota, err := engine.Quota(ctx, "sale-1", "sku-1")
			if assert.NoError(t, err) {
				assert.LessOrEqual(t, quota.ReservedUnits+quota.SoldUnits, quota.TotalUnits)
			}
		}(i)
	}
	wg.Wait()

	quota, err := engine.Quota(ctx, "sale-1", "sku-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, quota.ReservedUnits+quota.SoldUnits, quota.TotalUnits)
	assert.GreaterOrEqual(t, quota.ReservedUnits, int64(0))
}

func TestCommitIsIdempotent(t *testing.T) {
	engine, _, _ := newTestEngine(t, 10)
	ctx := context.Background()

	r, err := engine.Reserve(ctx, reserveInput(4))
	require.NoError(t, err)

	committed, err := engine.Commit(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ReservationCommitted, committed.State)

	_, err = engine.Commit(ctx, r.ID)
	require.ErrorIs(t, err, core.ErrAlreadyTerminal)

	quota, err := engine.Quota(ctx, "sale-1", "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), quota.ReservedUnits)
	assert.Equal(t, int64(4), quota.SoldUnits)

	_, err = engine.Release(ctx, r.ID)
	require.ErrorIs(t, err, core.ErrAlreadyTerminal)
}

func TestReleaseReturnsUnits(t *testing.T) {
	engine, _, _ := newTestEngine(t, 5)
	ctx := context.Background()

	r, err := engine.Reserve(ctx, reserveInput(5))
	require.NoError(t, err)
	_, err = engine.Reserve(ctx, reserveInput(1))
	require.ErrorIs(t, err, core.ErrInsufficientInventory)

	released, err := engine.Release(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ReservationReleased, released.State)
	assert.Equal(t, core.ReleaseCancelled, released.ReleaseReason)

	_, err = engine.Reserve(ctx, reserveInput(5))
	require.NoError(t, err)
}

func TestSweepReleasesExpiredReservations(t *testing.T) {
	engine, _, clock := newTestEngine(t, 10)
	ctx := context.Background()

	r, err := engine.Reserve(ctx, reserveInput(10))
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(60*time.Second), r.ExpiresAt)

	clock.Advance(59 * time.Second)
	n, err := engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	clock.Advance(time.Second)
	n, err = engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := engine.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ReservationReleased, got.State)
	assert.Equal(t, core.ReleaseExpired, got.ReleaseReason)

	_, err = engine.Reserve(ctx, reserveInput(10))
	require.NoError(t, err)

	_, err = engine.Commit(ctx, r.ID)
	require.ErrorIs(t, err, core.ErrReservationExpired)
}

func TestCommitAfterExpiryReleases(t *testing.T) {
	engine, _, clock := newTestEngine(t, 3)
	ctx := context.Background()

	r, err := engine.Reserve(ctx, reserveInput(3))
	require.NoError(t, err)

	clock.Advance(60 * time.Second)
	got, err := engine.Commit(ctx, r.ID)
	require.ErrorIs(t, err, core.ErrReservationExpired)
	assert.Equal(t, core.ReservationReleased, got.State)

	quota, err := engine.Quota(ctx, "sale-1", "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), quota.ReservedUnits)
	assert.Equal(t, int64(0), quota.SoldUnits)
}

func TestReserveRequiresSingleUseTicket(t *testing.T) {
	tickets := &fakeTickets{consumed: map[string]bool{}}
	engine, _, _ := newTestEngine(t, 10, WithTickets(tickets))
	ctx := context.Background()

	_, err := engine.Reserve(ctx, reserveInput(1))
	require.ErrorIs(t, err, core.ErrInvalidTicket)

	in := reserveInput(1)
	in.Ticket = &core.AdmissionTicket{ID: "t-1", SaleID: "sale-1"}
	r, err := engine.Reserve(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "t-1", r.TicketID)

	_, err = engine.Reserve(ctx, in)
	require.ErrorIs(t, err, core.ErrInvalidTicket)

	in.Ticket = &core.AdmissionTicket{ID: "t-2", SaleID: "other-sale"}
	_, err = engine.Reserve(ctx, in)
	require.ErrorIs(t, err, core.ErrInvalidTicket)
}

func TestReserveValidation(t *testing.T) {
	engine, repo, _ := newTestEngine(t, 10)
	ctx := context.Background()

	_, err := engine.Reserve(ctx, reserveInput(0))
	require.ErrorIs(t, err, core.ErrInvalidQuantity)

	_, err = engine.Reserve(ctx, ReserveInput{SaleID: "sale-1", ProductID: "missing", Quantity: 1})
	require.ErrorIs(t, err, core.ErrQuotaNotFound)

	_, err = engine.Commit(ctx, "nope")
	require.ErrorIs(t, err, core.ErrReservationNotFound)

	repo.failReserve = errors.New("disk full")
	_, err = engine.Reserve(ctx, reserveInput(1))
	require.ErrorIs(t, err, core.ErrDownstreamUnavailable)
}

func TestProvisionQuotaKeepsCounters(t *testing.T) {
	engine, _, _ := newTestEngine(t, 10)
	ctx := context.Background()

	_, err := engine.Reserve(ctx, reserveInput(2))
	require.NoError(t, err)

	err = engine.ProvisionSales(ctx, []core.SaleConfig{{
		ID: "sale-1", AdmissionRatePerSecond: 1, MaxInFlight: 1,
		ReservationTTL: 5 * time.Minute,
		Products:       map[string]int64{"sku-1": 50, "sku-2": 7},
	}})
	require.NoError(t, err)

	quota, err := engine.Quota(ctx, "sale-1", "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), quota.TotalUnits)
	assert.Equal(t, int64(2), quota.ReservedUnits)

	quotas, err := engine.Quotas(ctx, "sale-1")
	require.NoError(t, err)
	assert.Len(t, quotas, 2)
	assert.Equal(t, 5*time.Minute, engine.ttlFor("sale-1"))
}
