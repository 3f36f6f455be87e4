package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/breaker"
	"github.com/flashgate/flashgate/internal/metrics"
)

// BucketStore holds token bucket state. Take must refill and debit atomically
// per key.
type BucketStore interface {
	Take(ctx context.Context, key string, policy core.BucketPolicy, cost float64, now time.Time) (core.BucketTake, error)
	Reset(ctx context.Context, key string) error
}

// IdleEvictor is implemented by stores that drop buckets nobody touched recently.
type IdleEvictor interface {
	EvictIdle(ctx context.Context, idleSince time.Time) (int64, error)
}

// Limiter enforces token bucket limits over one or more scopes.
type Limiter struct {
	Store    BucketStore
	Policies Policies
	Guard    breaker.Guard
	Clock    func() time.Time
	Margin   float64
}

// Request describes an inbound call for multi-scope checks.
type Request struct {
	Identity string
	Tier     core.Tier
	IP       string
	Service  string
	Endpoint string
}

type checkOptions struct {
	tier   core.Tier
	policy *core.BucketPolicy
}

// CheckOption tunes a single-key Check.
type CheckOption func(*checkOptions)

// WithTier selects the user-scope policy for a tier.
func WithTier(tier core.Tier) CheckOption {
	return func(o *checkOptions) {
		o.tier = tier
	}
}

// WithPolicy bypasses policy lookup.
func WithPolicy(policy core.BucketPolicy) CheckOption {
	return func(o *checkOptions) {
		o.policy = &policy
	}
}

// Check debits cost tokens from the bucket addressed by key.
func (l *Limiter) Check(ctx context.Context, key core.LimiterKey, cost int, opts ...CheckOption) (core.Decision, error) {
	if l == nil || l.Store == nil {
		return core.Decision{Allowed: true, Key: key}, nil
	}

	options := checkOptions{tier: core.TierAnonymous}
	for _, opt := range opts {
		opt(&options)
	}

	var policy core.BucketPolicy
	if options.policy != nil {
		policy = l.applyMargin(*options.policy)
	} else {
		var ok bool
		policy, ok = l.policyFor(key.Scope, key.Identity, options.tier)
		if !ok {
			return core.Decision{}, fmt.Errorf("no rate limit policy for %s", key)
		}
	}

	decision, _, err := l.take(ctx, key, policy, cost)
	return decision, err
}

// CheckRequest checks every applicable scope of req. The request must pass
// all of them; tokens taken by earlier scopes are given back when a later
// scope rejects.
func (l *Limiter) CheckRequest(ctx context.Context, req Request, cost int) (core.Decision, error) {
	if l == nil || l.Store == nil {
		return core.Decision{Allowed: true}, nil
	}

	var (
		merged core.Decision
		undo   []func(context.Context) error
	)
	for i, st := range l.Policies.stages(req) {
		decision, giveBack, err := l.take(ctx, st.key, l.applyMargin(st.policy), cost)
		if err != nil {
			refund(ctx, undo)
			return core.Decision{}, err
		}
		if !decision.Allowed {
			refund(ctx, undo)
			return decision, nil
		}
		if giveBack != nil {
			undo = append(undo, giveBack)
		}
		if i == 0 {
			merged = decision
			continue
		}
		merged = mergeDecisions(merged, decision)
	}
	if merged.Key.Scope == "" {
		merged.Allowed = true
	}
	return merged, nil
}

// Reset drops the bucket for key so it starts full again.
func (l *Limiter) Reset(ctx context.Context, key core.LimiterKey) error {
	if l == nil || l.Store == nil {
		return nil
	}
	return breaker.Call(ctx, l.Guard, func(ctx context.Context) error {
		return l.Store.Reset(ctx, key.String())
	})
}

// ApplyOverrides merges per-endpoint request overrides (per minute).
func (l *Limiter) ApplyOverrides(overrides map[string]int) {
	if l == nil || len(overrides) == 0 {
		return
	}
	if l.Policies.Endpoints == nil {
		l.Policies.Endpoints = make(map[string]core.BucketPolicy, len(overrides))
	}
	for endpoint, value := range overrides {
		if endpoint == "" || value <= 0 {
			continue
		}
		l.Policies.Endpoints[endpoint] = core.PerMinute(value)
	}
}

// ApplySafetyMargin scales every policy by a ratio (0-1].
func (l *Limiter) ApplySafetyMargin(margin float64) {
	if l == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	l.Margin = margin
}

func (l *Limiter) take(ctx context.Context, key core.LimiterKey, policy core.BucketPolicy, cost int) (core.Decision, func(context.Context) error, error) {
	if !policy.Valid() {
		return core.Decision{}, nil, fmt.Errorf("invalid rate limit policy for %s", key)
	}
	if cost <= 0 || float64(cost) > policy.Capacity {
		return core.Decision{}, nil, fmt.Errorf("%w: cost %d, capacity %.0f", core.ErrInvalidCost, cost, policy.Capacity)
	}

	now := l.now()
	var res core.BucketTake
	err := breaker.Call(ctx, l.Guard, func(ctx context.Context) error {
		var err error
		res, err = l.Store.Take(ctx, key.String(), policy, float64(cost), now)
		return err
	})
	if err != nil {
		return core.Decision{}, nil, err
	}

	metrics.RecordRateLimitDecision(string(key.Scope), res.Allowed)
	return decide(key, policy, float64(cost), res, now), res.Undo, nil
}

func decide(key core.LimiterKey, policy core.BucketPolicy, cost float64, res core.BucketTake, now time.Time) core.Decision {
	decision := core.Decision{
		Allowed:   res.Allowed,
		Key:       key,
		Limit:     policy.Capacity,
		Remaining: res.Tokens,
		ResetAt:   now.Add(secondsToDuration((policy.Capacity - res.Tokens) / policy.RefillRatePerSecond)),
	}
	if !res.Allowed {
		decision.RetryAfter = RetryAfter(cost-res.Tokens, policy.RefillRatePerSecond)
	}
	return decision
}

// RetryAfter is the whole number of seconds until deficit tokens have refilled.
func RetryAfter(deficit, rate float64) time.Duration {
	if deficit <= 0 || rate <= 0 {
		return 0
	}
	secs := math.Ceil(deficit/rate - 1e-9)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

func mergeDecisions(a, b core.Decision) core.Decision {
	out := a
	if b.Remaining < a.Remaining {
		out.Key = b.Key
		out.Limit = b.Limit
		out.Remaining = b.Remaining
	}
	if b.ResetAt.After(out.ResetAt) {
		out.ResetAt = b.ResetAt
	}
	return out
}

func refund(ctx context.Context, undo []func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	for i := len(undo) - 1; i >= 0; i-- {
		_ = undo[i](ctx)
	}
}

func secondsToDuration(secs float64) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func (l *Limiter) policyFor(scope core.Scope, identity string, tier core.Tier) (core.BucketPolicy, bool) {
	policy, ok := l.Policies.For(scope, identity, tier)
	if !ok {
		return core.BucketPolicy{}, false
	}
	return l.applyMargin(policy), true
}

func (l *Limiter) now() time.Time {
	if l != nil && l.Clock != nil {
		return l.Clock()
	}
	return time.Now().UTC()
}

func (l *Limiter) applyMargin(policy core.BucketPolicy) core.BucketPolicy {
	if l == nil || l.Margin <= 0 || l.Margin > 1 {
		return policy
	}
	policy.Capacity = math.Max(1, math.Floor(policy.Capacity*l.Margin))
	policy.RefillRatePerSecond *= l.Margin
	return policy
}
