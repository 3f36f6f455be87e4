package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashgate/flashgate/internal/core"
)

var errStore = errors.New("connection refused")

func testSettings() Settings {
	return Settings{
		Name:             "test",
		Threshold:        0.5,
		MinRequests:      4,
		Window:           time.Minute,
		CoolDown:         50 * time.Millisecond,
		HalfOpenRequests: 1,
	}
}

func failing(context.Context) error { return errStore }
func passing(context.Context) error { return nil }

func TestBreakerTripsOnFailureRatio(t *testing.T) {
	b := New(testSettings())
	ctx := context.Background()

	require.NoError(t, b.Do(ctx, passing))
	require.NoError(t, b.Do(ctx, passing))
	require.Equal(t, StateClosed, b.State())

	err := b.Do(ctx, failing)
	require.ErrorIs(t, err, core.ErrDownstreamUnavailable)
	require.ErrorIs(t, err, errStore)
	require.Equal(t, StateClosed, b.State())

	require.Error(t, b.Do(ctx, failing))
	require.Equal(t, StateOpen, b.State())

	called := false
	err = b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, core.ErrDownstreamUnavailable)
	assert.False(t, called, "open breaker must short-circuit")
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	b := New(testSettings())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = b.Do(ctx, failing)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(ctx, passing))
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(testSettings())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = b.Do(ctx, failing)
	}
	time.Sleep(80 * time.Millisecond)

	require.ErrorIs(t, b.Do(ctx, failing), core.ErrDownstreamUnavailable)
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerDomainOutcomesCountAsSuccess(t *testing.T) {
	b := New(testSettings())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		err := b.Do(ctx, func(context.Context) error { return core.ErrInsufficientInventory })
		require.ErrorIs(t, err, core.ErrInsufficientInventory)
		require.NotErrorIs(t, err, core.ErrDownstreamUnavailable)
	}
	require.Equal(t, StateClosed, b.State())
}

func TestShouldTrip(t *testing.T) {
	settings := testSettings()
	tests := []struct {
		name     string
		requests uint32
		failures uint32
		want     bool
	}{
		{name: "no samples", requests: 0, failures: 0, want: false},
		{name: "below minimum", requests: 3, failures: 3, want: false},
		{name: "under threshold", requests: 10, failures: 4, want: false},
		{name: "at threshold", requests: 10, failures: 5, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldTrip(tt.requests, tt.failures, settings))
		})
	}
}

func TestCallWithoutGuardWrapsFailures(t *testing.T) {
	err := Call(context.Background(), nil, failing)
	require.ErrorIs(t, err, core.ErrDownstreamUnavailable)

	err = Call(context.Background(), nil, func(context.Context) error { return core.ErrInvalidTicket })
	require.ErrorIs(t, err, core.ErrInvalidTicket)
	require.NotErrorIs(t, err, core.ErrDownstreamUnavailable)

	require.NoError(t, Call(context.Background(), nil, passing))
}
