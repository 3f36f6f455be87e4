//go:build cgo

package store

import (
	"context"
	"testing"
	"time"

	"github.com/flashgate/flashgate/internal/config"
	"github.com/flashgate/flashgate/internal/core"
	"github.com/stretchr/testify/require"
)

func TestOpenMemoryStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.StoreConfig{
		Driver: "libsql",
		Path:   ":memory:",
	}

	store, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, store)
	require.Equal(t, "libsql", store.Driver())
	require.NoError(t, store.Close())
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBucketTakeRefillAndUndo(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	policy := core.BucketPolicy{Capacity: 2, RefillRatePerSecond: 1}

	res, err := store.Take(ctx, "user:alice", policy, 2, testNow)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 0.0, res.Tokens)

	res, err = store.Take(ctx, "user:alice", policy, 1, testNow)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Nil(t, res.Undo)

	res, err = store.Take(ctx, "user:alice", policy, 1, testNow.Add(1500*time.Millisecond))
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.InDelta(t, 0.5, res.Tokens, 1e-9)

	require.NoError(t, res.Undo(ctx))
	records, err := store.ListBuckets(ctx, BucketQuery{Key: "user:alice"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.InDelta(t, 1.5, records[0].Tokens, 1e-9)
}

func TestBucketAdminQueries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	policy := core.PerMinute(10)

	for _, key := range []string{"user:a", "user:b", "ip:10.0.0.1"} {
		_, err := store.Take(ctx, key, policy, 1, testNow)
		require.NoError(t, err)
	}

	count, err := store.CountBuckets(ctx, BucketQuery{Prefix: "user:"})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	_, err = store.CountBuckets(ctx, BucketQuery{})
	require.Error(t, err)

	affected, err := store.ResetBuckets(ctx, BucketQuery{Prefix: "user:"})
	require.NoError(t, err)
	require.Equal(t, int64(2), affected)

	evicted, err := store.EvictIdle(ctx, testNow.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), evicted)
}

func TestQueueSequenceAndTicketClaim(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.NextSequence(ctx, "spring")
	require.NoError(t, err)
	second, err := store.NextSequence(ctx, "spring")
	require.NoError(t, err)
	require.Equal(t, int64(1), first)
	require.Equal(t, int64(2), second)

	other, err := store.NextSequence(ctx, "autumn")
	require.NoError(t, err)
	require.Equal(t, int64(1), other)

	admitted := testNow
	entry := core.QueueEntry{
		Token:      "tok-1",
		SaleID:     "spring",
		Identity:   "alice",
		Tier:       core.TierAuthenticated,
		Sequence:   first,
		State:      core.EntryWaiting,
		EnqueuedAt: testNow,
		LastSeenAt: testNow,
	}
	require.NoError(t, store.InsertEntry(ctx, entry))

	_, err = store.ClaimTicket(ctx, "spring", "ticket-1")
	require.ErrorIs(t, err, core.ErrInvalidTicket)

	entry.State = core.EntryAdmitted
	entry.AdmittedAt = &admitted
	entry.TicketID = "ticket-1"
	require.NoError(t, store.SaveEntry(ctx, entry))

	active, err := store.LoadActiveEntries(ctx, "spring")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.True(t, active[0].InFlight())

	claimed, err := store.ClaimTicket(ctx, "spring", "ticket-1")
	require.NoError(t, err)
	require.True(t, claimed.TicketConsumed)

	_, err = store.ClaimTicket(ctx, "spring", "ticket-1")
	require.ErrorIs(t, err, core.ErrInvalidTicket)

	active, err = store.LoadActiveEntries(ctx, "spring")
	require.NoError(t, err)
	require.Empty(t, active)

	_, err = store.GetEntry(ctx, "missing")
	require.ErrorIs(t, err, core.ErrQueueExpired)
}

func TestInventoryConditionalReserve(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	created, err := store.ProvisionQuota(ctx, "spring", "sku-1", 10, testNow)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.ProvisionQuota(ctx, "spring", "sku-1", 50, testNow)
	require.NoError(t, err)
	require.False(t, created, "existing quota is kept")

	for i := 0; i < 3; i++ {
		ok, err := store.ReserveUnits(ctx, "spring", "sku-1", 3, testNow)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := store.ReserveUnits(ctx, "spring", "sku-1", 3, testNow)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.AdjustQuota(ctx, "spring", "sku-1", -3, 3, testNow))
	quota, err := store.GetQuota(ctx, "spring", "sku-1")
	require.NoError(t, err)
	require.Equal(t, int64(6), quota.ReservedUnits)
	require.Equal(t, int64(3), quota.SoldUnits)
	require.Equal(t, int64(1), quota.Available())

	_, err = store.GetQuota(ctx, "spring", "missing")
	require.ErrorIs(t, err, core.ErrQuotaNotFound)
}

func TestReservationLifecycleQueries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	r := core.Reservation{
		ID:        "res-1",
		SaleID:    "spring",
		ProductID: "sku-1",
		Holder:    "alice",
		Quantity:  2,
		State:     core.ReservationPending,
		ExpiresAt: testNow.Add(time.Minute),
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	require.NoError(t, store.CreateReservation(ctx, r))

	expired, err := store.ListExpiredReservations(ctx, testNow.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Empty(t, expired)

	expired, err = store.ListExpiredReservations(ctx, testNow.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, store.UpdateReservationState(ctx, "res-1", core.ReservationReleased, core.ReleaseExpired, testNow.Add(time.Minute)))
	got, err := store.GetReservation(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, core.ReservationReleased, got.State)
	require.Equal(t, core.ReleaseExpired, got.ReleaseReason)

	_, err = store.GetReservation(ctx, "missing")
	require.ErrorIs(t, err, core.ErrReservationNotFound)
}
