package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Scope identifies what a rate limit bucket is keyed on.
type Scope string

const (
	ScopeUser     Scope = "user"
	ScopeIP       Scope = "ip"
	ScopeService  Scope = "service"
	ScopeEndpoint Scope = "endpoint"
	ScopeSale     Scope = "sale"
)

// Valid reports whether the scope is known.
func (s Scope) Valid() bool {
	switch s {
	case ScopeUser, ScopeIP, ScopeService, ScopeEndpoint, ScopeSale:
		return true
	}
	return false
}

// Tier is the account class assigned by the upstream auth layer.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
)

// ParseTier normalizes a tier name. Unknown or empty values map to anonymous.
func ParseTier(value string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case TierAuthenticated:
		return TierAuthenticated
	case TierPremium:
		return TierPremium
	default:
		return TierAnonymous
	}
}

// LimiterKey addresses a single token bucket.
type LimiterKey struct {
	Scope    Scope
	Identity string
}

// String renders the key as stored by bucket backends.
func (k LimiterKey) String() string {
	return fmt.Sprintf("%s:%s", k.Scope, k.Identity)
}

// ParseLimiterKey is the inverse of LimiterKey.String.
func ParseLimiterKey(value string) (LimiterKey, error) {
	scope, identity, ok := strings.Cut(value, ":")
	if !ok || identity == "" || !Scope(scope).Valid() {
		return LimiterKey{}, fmt.Errorf("invalid limiter key %q", value)
	}
	return LimiterKey{Scope: Scope(scope), Identity: identity}, nil
}

// BucketPolicy configures the size and refill speed of a bucket.
type BucketPolicy struct {
	Capacity            float64 `json:"capacity" mapstructure:"capacity" yaml:"capacity"`
	RefillRatePerSecond float64 `json:"refill_rate_per_second" mapstructure:"refill_rate_per_second" yaml:"refill_rate_per_second"`
}

// PerMinute builds a policy that allows n requests per minute with a burst of n.
func PerMinute(n int) BucketPolicy {
	return BucketPolicy{Capacity: float64(n), RefillRatePerSecond: float64(n) / 60}
}

// Valid reports whether the policy can ever admit a request.
func (p BucketPolicy) Valid() bool {
	return p.Capacity >= 1 && p.RefillRatePerSecond > 0
}

// BucketState is the persisted state of a token bucket.
type BucketState struct {
	Tokens     float64
	LastRefill time.Time
}

// Refill returns the token count at now without mutating the state.
func (s BucketState) Refill(policy BucketPolicy, now time.Time) float64 {
	elapsed := now.Sub(s.LastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := s.Tokens + elapsed*policy.RefillRatePerSecond
	if tokens > policy.Capacity {
		tokens = policy.Capacity
	}
	return tokens
}

// Take debits cost tokens after refilling. The returned state is the one to
// persist; when the take is rejected only the refill is applied.
func (s BucketState) Take(policy BucketPolicy, cost float64, now time.Time) (BucketState, bool) {
	tokens := s.Refill(policy, now)
	next := BucketState{Tokens: tokens, LastRefill: now}
	if s.LastRefill.After(now) {
		next.LastRefill = s.LastRefill
	}
	if tokens < cost {
		return next, false
	}
	next.Tokens = tokens - cost
	return next, true
}

// Give returns cost tokens to the bucket, capped at capacity.
func (s BucketState) Give(policy BucketPolicy, cost float64, now time.Time) BucketState {
	next, _ := s.Take(policy, 0, now)
	next.Tokens += cost
	if next.Tokens > policy.Capacity {
		next.Tokens = policy.Capacity
	}
	return next
}

// NewBucketState returns a full bucket.
func NewBucketState(policy BucketPolicy, now time.Time) BucketState {
	return BucketState{Tokens: policy.Capacity, LastRefill: now}
}

// BucketTake is what a bucket backend reports for one take.
type BucketTake struct {
	Allowed bool
	// Tokens left after the take, or available tokens when rejected.
	Tokens float64
	// Undo gives the taken tokens back. Nil when nothing was taken.
	Undo func(ctx context.Context) error
}

// Decision is the outcome of a rate limit check. A rejected request is a
// value, not an error.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Key        LimiterKey    `json:"-"`
	Limit      float64       `json:"limit"`
	Remaining  float64       `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// BucketRecord is a persisted bucket as listed by admin tooling.
type BucketRecord struct {
	Key        string
	Tokens     float64
	Capacity   float64
	RefillRate float64
	LastRefill time.Time
	UpdatedAt  time.Time
}
