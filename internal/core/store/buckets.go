package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flashgate/flashgate/internal/core"
)

// Take refills and debits the bucket for key inside a write transaction.
func (s *Store) Take(ctx context.Context, key string, policy core.BucketPolicy, cost float64, now time.Time) (core.BucketTake, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return core.BucketTake{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return core.BucketTake{}, errors.New("bucket key is required")
	}

	var res core.BucketTake
	err = s.WithTx(ctx, func(ctx context.Context) error {
		state, err := s.loadBucket(ctx, key, policy, now)
		if err != nil {
			return err
		}
		next, allowed := state.Take(policy, cost, now)
		if err := s.saveBucket(ctx, key, policy, next, now); err != nil {
			return err
		}
		res = core.BucketTake{Allowed: allowed, Tokens: next.Tokens}
		return nil
	})
	if err != nil {
		return core.BucketTake{}, err
	}

	if res.Allowed {
		res.Undo = func(ctx context.Context) error {
			return s.give(ctx, key, policy, cost, now)
		}
	}
	return res, nil
}

// Reset deletes the bucket for key.
func (s *Store) Reset(ctx context.Context, key string) error {
	_, err := s.ResetBuckets(ctx, BucketQuery{Key: key})
	return err
}

// EvictIdle deletes buckets not touched since idleSince.
func (s *Store) EvictIdle(ctx context.Context, idleSince time.Time) (int64, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}

	var affected int64
	err = s.WithTx(ctx, func(ctx context.Context) error {
		result, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM buckets WHERE updated_at < ?`, idleSince.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("evict idle buckets: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

func (s *Store) give(ctx context.Context, key string, policy core.BucketPolicy, cost float64, now time.Time) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		state, err := s.loadBucket(ctx, key, policy, now)
		if err != nil {
			return err
		}
		return s.saveBucket(ctx, key, policy, state.Give(policy, cost, now), now)
	})
}

func (s *Store) loadBucket(ctx context.Context, key string, policy core.BucketPolicy, now time.Time) (core.BucketState, error) {
	var (
		tokens       float64
		lastRefillNS int64
	)
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT tokens, last_refill_ns
		FROM buckets
		WHERE bucket_key = ?
	`, key)
	if err := row.Scan(&tokens, &lastRefillNS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.NewBucketState(policy, now), nil
		}
		return core.BucketState{}, fmt.Errorf("fetch bucket: %w", err)
	}
	if tokens > policy.Capacity {
		tokens = policy.Capacity
	}
	return core.BucketState{Tokens: tokens, LastRefill: time.Unix(0, lastRefillNS).UTC()}, nil
}

func (s *Store) saveBucket(ctx context.Context, key string, policy core.BucketPolicy, state core.BucketState, now time.Time) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO buckets (bucket_key, tokens, capacity, refill_rate, last_refill_ns, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(bucket_key) DO UPDATE SET
			tokens = excluded.tokens,
			capacity = excluded.capacity,
			refill_rate = excluded.refill_rate,
			last_refill_ns = excluded.last_refill_ns,
			updated_at = excluded.updated_at
	`, key, state.Tokens, policy.Capacity, policy.RefillRatePerSecond, state.LastRefill.UTC().UnixNano(), now.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store bucket: %w", err)
	}
	return nil
}
