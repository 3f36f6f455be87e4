package membucket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashgate/flashgate/internal/core"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTakeDrainsAndRefills(t *testing.T) {
	s := New(WithCleanupEvery(0))
	ctx := context.Background()
	policy := core.BucketPolicy{Capacity: 3, RefillRatePerSecond: 1}

	for i := 0; i < 3; i++ {
		res, err := s.Take(ctx, "user:a", policy, 1, base)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := s.Take(ctx, "user:a", policy, 1, base)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.InDelta(t, 0, res.Tokens, 1e-9)

	res, err = s.Take(ctx, "user:a", policy, 1, base.Add(time.Second))
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestTakeUndoReturnsTokens(t *testing.T) {
	s := New(WithCleanupEvery(0))
	ctx := context.Background()
	policy := core.BucketPolicy{Capacity: 2, RefillRatePerSecond: 0.1}

	res, err := s.Take(ctx, "ip:1", policy, 2, base)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.NotNil(t, res.Undo)
	require.NoError(t, res.Undo(ctx))

	res, err = s.Take(ctx, "ip:1", policy, 2, base)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestCostAboveBurstRejected(t *testing.T) {
	s := New(WithCleanupEvery(0))
	res, err := s.Take(context.Background(), "k", core.BucketPolicy{Capacity: 1, RefillRatePerSecond: 1}, 2, base)
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestEvictIdle(t *testing.T) {
	s := New(WithCleanupEvery(0))
	ctx := context.Background()
	policy := core.PerMinute(10)

	_, _ = s.Take(ctx, "old", policy, 1, base)
	_, _ = s.Take(ctx, "new", policy, 1, base.Add(time.Hour))
	require.Equal(t, 2, s.Len())

	evicted, err := s.EvictIdle(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), evicted)
	require.Equal(t, 1, s.Len())

	require.NoError(t, s.Reset(ctx, "new"))
	require.Equal(t, 0, s.Len())
}
