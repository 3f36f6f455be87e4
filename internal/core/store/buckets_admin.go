package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flashgate/flashgate/internal/core"
)

// BucketQuery selects persisted buckets for admin listing and resets.
type BucketQuery struct {
	All    bool
	Key    string
	Prefix string
}

func (q BucketQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Key) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --key, or --prefix")
}

func (q BucketQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if key := strings.TrimSpace(q.Key); key != "" {
		return "WHERE bucket_key = ?", []any{key}, nil
	}
	prefix := strings.TrimSpace(q.Prefix)
	return "WHERE bucket_key LIKE ?", []any{prefix + "%"}, nil
}

func (s *Store) ListBuckets(ctx context.Context, q BucketQuery) ([]core.BucketRecord, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.conn(ctx).QueryContext(ctx, fmt.Sprintf(`
		SELECT bucket_key, tokens, capacity, refill_rate, last_refill_ns, updated_at
		FROM buckets
		%s
		ORDER BY bucket_key
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	records := []core.BucketRecord{}
	for rows.Next() {
		var (
			record       core.BucketRecord
			lastRefillNS int64
			updatedAt    int64
		)
		if err := rows.Scan(&record.Key, &record.Tokens, &record.Capacity, &record.RefillRate, &lastRefillNS, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan buckets: %w", err)
		}
		record.LastRefill = time.Unix(0, lastRefillNS).UTC()
		record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	return records, nil
}

func (s *Store) CountBuckets(ctx context.Context, q BucketQuery) (int, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.conn(ctx).QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM buckets
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count buckets: %w", err)
	}
	return count, nil
}

func (s *Store) ResetBuckets(ctx context.Context, q BucketQuery) (int64, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	var affected int64
	err = s.WithTx(ctx, func(ctx context.Context) error {
		result, err := s.conn(ctx).ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM buckets
			%s
		`, where), args...)
		if err != nil {
			return fmt.Errorf("reset buckets: %w", err)
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("reset buckets: %w", err)
		}
		return nil
	})
	return affected, err
}
