// Package membucket keeps token buckets in process memory on top of
// golang.org/x/time/rate. State is lost on restart; use it for single-node
// development and tests.
package membucket

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flashgate/flashgate/internal/core"
)

// Store caches one rate.Limiter per key and drops idle ones.
type Store struct {
	mu           sync.Mutex
	entries      map[string]*entry
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithIdleTTL sets how long an untouched bucket is kept.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) { s.idleTTL = d }
}

// WithCleanupEvery sets the janitor period. Zero disables the janitor.
func WithCleanupEvery(d time.Duration) Option {
	return func(s *Store) { s.cleanupEvery = d }
}

// New builds an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entries:      make(map[string]*entry),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Take reserves cost tokens and cancels the reservation when it would have to wait.
func (s *Store) Take(_ context.Context, key string, policy core.BucketPolicy, cost float64, now time.Time) (core.BucketTake, error) {
	lim := s.limiter(key, policy, now)
	n := int(math.Ceil(cost))

	r := lim.ReserveN(now, n)
	if !r.OK() {
		return core.BucketTake{Allowed: false, Tokens: lim.TokensAt(now)}, nil
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return core.BucketTake{Allowed: false, Tokens: lim.TokensAt(now)}, nil
	}

	return core.BucketTake{
		Allowed: true,
		Tokens:  lim.TokensAt(now),
		Undo: func(context.Context) error {
			r.CancelAt(now)
			return nil
		},
	}, nil
}

// Reset forgets the bucket for key.
func (s *Store) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// EvictIdle drops buckets not used since idleSince.
func (s *Store) EvictIdle(_ context.Context, idleSince time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted int64
	for k, ent := range s.entries {
		if ent.lastSeen.Before(idleSince) {
			delete(s.entries, k)
			evicted++
		}
	}
	return evicted, nil
}

// Len returns the number of cached buckets.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor evicts idle buckets until ctx is done.
func (s *Store) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				_, _ = s.EvictIdle(ctx, now.Add(-s.idleTTL))
			}
		}
	}()
}

func (s *Store) limiter(key string, policy core.BucketPolicy, now time.Time) *rate.Limiter {
	limit := rate.Limit(policy.RefillRatePerSecond)
	burst := int(math.Floor(policy.Capacity))

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		if ent.lim.Limit() != limit {
			ent.lim.SetLimitAt(now, limit)
		}
		if ent.lim.Burst() != burst {
			ent.lim.SetBurstAt(now, burst)
		}
		return ent.lim
	}

	lim := rate.NewLimiter(limit, burst)
	s.entries[key] = &entry{lim: lim, lastSeen: now}
	return lim
}
