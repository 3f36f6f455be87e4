package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashgate/flashgate/internal/core"
)

type memoryBucketStore struct {
	mu    sync.Mutex
	state map[string]core.BucketState
	err   error
}

func (m *memoryBucketStore) Take(ctx context.Context, key string, policy core.BucketPolicy, cost float64, now time.Time) (core.BucketTake, error) {
	if m.err != nil {
		return core.BucketTake{}, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		m.state = make(map[string]core.BucketState)
	}
	current, ok := m.state[key]
	if !ok {
		current = core.NewBucketState(policy, now)
	}
	next, allowed := current.Take(policy, cost, now)
	m.state[key] = next
	res := core.BucketTake{Allowed: allowed, Tokens: next.Tokens}
	if allowed {
		res.Undo = func(ctx context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.state[key] = m.state[key].Give(policy, cost, now)
			return nil
		}
	}
	return res, nil
}

func (m *memoryBucketStore) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, key)
	return nil
}

func (m *memoryBucketStore) tokens(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[key].Tokens
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiterRetryAfterWhenBucketDrained(t *testing.T) {
	clock := newFakeClock()
	limiter := &Limiter{Store: &memoryBucketStore{}, Clock: clock.Now}
	key := core.LimiterKey{Scope: core.ScopeUser, Identity: "alice"}
	policy := WithPolicy(core.BucketPolicy{Capacity: 30, RefillRatePerSecond: 0.5})
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		d, err := limiter.Check(ctx, key, 1, policy)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
	}

	d, err := limiter.Check(ctx, key, 1, policy)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 2*time.Second, d.RetryAfter)

	clock.Advance(time.Second)
	d, err = limiter.Check(ctx, key, 1, policy)
	require.NoError(t, err)
	require.False(t, d.Allowed, "still inside retryAfter")

	clock.Advance(time.Second)
	d, err = limiter.Check(ctx, key, 1, policy)
	require.NoError(t, err)
	require.True(t, d.Allowed, "exactly retryAfter after the first reject")
}

func TestLimiterRemainingAndResetAt(t *testing.T) {
	clock := newFakeClock()
	limiter := &Limiter{Store: &memoryBucketStore{}, Clock: clock.Now}
	key := core.LimiterKey{Scope: core.ScopeUser, Identity: "bob"}

	d, err := limiter.Check(context.Background(), key, 10, WithPolicy(core.BucketPolicy{Capacity: 20, RefillRatePerSecond: 2}))
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, 10.0, d.Remaining)
	assert.Equal(t, 20.0, d.Limit)
	assert.Equal(t, clock.Now().Add(5*time.Second), d.ResetAt)
}

func TestLimiterAdmittedCostBounded(t *testing.T) {
	clock := newFakeClock()
	limiter := &Limiter{Store: &memoryBucketStore{}, Clock: clock.Now}
	key := core.LimiterKey{Scope: core.ScopeService, Identity: "orders"}
	policy := core.BucketPolicy{Capacity: 5, RefillRatePerSecond: 2}
	rng := rand.New(rand.NewSource(42))
	start := clock.Now()

	admitted := 0
	for i := 0; i < 2000; i++ {
		clock.Advance(time.Duration(rng.Intn(300)) * time.Millisecond)
		cost := 1 + rng.Intn(3)
		d, err := limiter.Check(context.Background(), key, cost, WithPolicy(policy))
		require.NoError(t, err)
		if d.Allowed {
			admitted += cost
		}
		elapsed := clock.Now().Sub(start).Seconds()
		require.LessOrEqual(t, float64(admitted), policy.Capacity+policy.RefillRatePerSecond*elapsed+1e-9)
	}
}

func TestLimiterTierPolicies(t *testing.T) {
	limiter := &Limiter{Store: &memoryBucketStore{}, Policies: DefaultPolicies(), Clock: newFakeClock().Now}
	ctx := context.Background()

	tests := []struct {
		tier core.Tier
		want float64
	}{
		{tier: core.TierAnonymous, want: 30},
		{tier: core.TierAuthenticated, want: 100},
		{tier: core.TierPremium, want: 300},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			key := core.LimiterKey{Scope: core.ScopeUser, Identity: "user-" + string(tt.tier)}
			d, err := limiter.Check(ctx, key, 1, WithTier(tt.tier))
			require.NoError(t, err)
			require.True(t, d.Allowed)
			assert.Equal(t, tt.want, d.Limit)
			assert.Equal(t, tt.want-1, d.Remaining)
		})
	}
}

func TestLimiterCheckRequestRefundsEarlierScopes(t *testing.T) {
	store := &memoryBucketStore{}
	clock := newFakeClock()
	policies := DefaultPolicies()
	policies.IP = core.BucketPolicy{Capacity: 2, RefillRatePerSecond: 0.1}
	limiter := &Limiter{Store: store, Policies: policies, Clock: clock.Now}
	ctx := context.Background()

	req := Request{Identity: "carol", Tier: core.TierAuthenticated, IP: "10.0.0.1"}
	for i := 0; i < 2; i++ {
		d, err := limiter.CheckRequest(ctx, req, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	require.Equal(t, 98.0, store.tokens("user:carol"))

	d, err := limiter.CheckRequest(ctx, req, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, core.ScopeIP, d.Key.Scope)
	require.Equal(t, 10*time.Second, d.RetryAfter)
	require.Equal(t, 98.0, store.tokens("user:carol"), "user tokens returned after ip reject")
}

func TestLimiterCheckRequestAnonymousKeyedByIP(t *testing.T) {
	store := &memoryBucketStore{}
	limiter := &Limiter{Store: store, Policies: DefaultPolicies(), Clock: newFakeClock().Now}

	d, err := limiter.CheckRequest(context.Background(), Request{IP: "192.0.2.7"}, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 29.0, store.tokens("user:anon:192.0.2.7"))
	require.Equal(t, 599.0, store.tokens("ip:192.0.2.7"))
	require.Equal(t, 29.0, d.Remaining)
}

func TestLimiterInvalidCost(t *testing.T) {
	limiter := &Limiter{Store: &memoryBucketStore{}, Clock: newFakeClock().Now}
	key := core.LimiterKey{Scope: core.ScopeUser, Identity: "dave"}
	policy := WithPolicy(core.BucketPolicy{Capacity: 5, RefillRatePerSecond: 1})

	_, err := limiter.Check(context.Background(), key, 0, policy)
	require.ErrorIs(t, err, core.ErrInvalidCost)

	_, err = limiter.Check(context.Background(), key, 6, policy)
	require.ErrorIs(t, err, core.ErrInvalidCost)
}

func TestLimiterStoreFailureIsDownstreamUnavailable(t *testing.T) {
	limiter := &Limiter{Store: &memoryBucketStore{err: errors.New("redis: connection refused")}}
	key := core.LimiterKey{Scope: core.ScopeUser, Identity: "erin"}

	_, err := limiter.Check(context.Background(), key, 1, WithTier(core.TierPremium))
	require.ErrorIs(t, err, core.ErrDownstreamUnavailable)
}

func TestLimiterNilStoreAllows(t *testing.T) {
	var limiter *Limiter
	d, err := limiter.Check(context.Background(), core.LimiterKey{Scope: core.ScopeIP, Identity: "x"}, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestLimiterOverridesAndMargin(t *testing.T) {
	limiter := &Limiter{Store: &memoryBucketStore{}, Policies: DefaultPolicies()}
	limiter.ApplyOverrides(map[string]int{"/sales/*": 10, "": 5, "/bad": 0})
	limiter.ApplySafetyMargin(0.9)

	policy, ok := limiter.policyFor(core.ScopeEndpoint, "/sales/spring/reserve", core.TierAnonymous)
	require.True(t, ok)
	require.Equal(t, 9.0, policy.Capacity)

	_, ok = limiter.policyFor(core.ScopeEndpoint, "/bad", core.TierAnonymous)
	require.False(t, ok)
}

func TestLimiterEndpointPatternSharesOneBucket(t *testing.T) {
	store := &memoryBucketStore{}
	policies := Policies{Endpoints: map[string]core.BucketPolicy{
		"/api/queue/*":      {Capacity: 2, RefillRatePerSecond: 0.01},
		"/api/queue/vip/*":  {Capacity: 1, RefillRatePerSecond: 0.01},
		"/api/sales/{sale}": {Capacity: 5, RefillRatePerSecond: 0.01},
	}}
	limiter := &Limiter{Store: store, Policies: policies, Clock: newFakeClock().Now}
	ctx := context.Background()

	admitted := 0
	for _, token := range []string{"a", "b", "c", "d", "e"} {
		d, err := limiter.CheckRequest(ctx, Request{Endpoint: "/api/queue/" + token}, 1)
		require.NoError(t, err)
		if d.Allowed {
			admitted++
			continue
		}
		assert.Equal(t, core.LimiterKey{Scope: core.ScopeEndpoint, Identity: "/api/queue/*"}, d.Key)
	}
	assert.Equal(t, 2, admitted)
	assert.Len(t, store.state, 1)
	assert.Contains(t, store.state, "endpoint:/api/queue/*")

	d, err := limiter.CheckRequest(ctx, Request{Endpoint: "/api/queue/vip/x"}, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, "/api/queue/vip/*", d.Key.Identity, "longest prefix wins")

	d, err = limiter.CheckRequest(ctx, Request{Endpoint: "/api/sales/{sale}"}, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, 4.0, d.Remaining)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), RetryAfter(0, 1))
	assert.Equal(t, 2*time.Second, RetryAfter(1, 0.5))
	assert.Equal(t, time.Second, RetryAfter(0.01, 5))
	assert.Equal(t, 4*time.Second, RetryAfter(3.5, 1))
}
