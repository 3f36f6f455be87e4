// Package sweeper runs the time-based reclamation jobs: expired reservations,
// stale waiting-room entries and idle rate limit buckets.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flashgate/flashgate/internal/metrics"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 5 * time.Second

// Task reclaims something and reports how many items it reclaimed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Result is the outcome of one task in one pass.
type Result struct {
	Task      string        `json:"task"`
	Reclaimed int64         `json:"reclaimed"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Sweeper runs tasks on a fixed interval.
type Sweeper struct {
	interval time.Duration
	logger   *logging.Logger
	tasks    []Task

	mu sync.Mutex
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// New builds a Sweeper over tasks.
func New(tasks []Task, opts ...Option) *Sweeper {
	s := &Sweeper{interval: DefaultInterval, tasks: tasks}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the tick period.
func (s *Sweeper) Interval() time.Duration { return s.interval }

// Run sweeps once immediately and then on every tick until ctx is done.
// Task failures are logged and never stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		_, _ = s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce runs every task concurrently and waits for all of them. Passes
// never overlap.
func (s *Sweeper) RunOnce(ctx context.Context) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]Result, len(s.tasks))
	errs := make([]error, len(s.tasks))

	var g errgroup.Group
	for i, task := range s.tasks {
		g.Go(func() error {
			start := time.Now()
			n, err := task.Run(ctx)
			elapsed := time.Since(start)

			results[i] = Result{Task: task.Name, Reclaimed: n, Duration: elapsed}
			metrics.RecordSweep(task.Name, n, elapsed, err)
			if err != nil {
				results[i].Error = err.Error()
				errs[i] = err
				if s.logger != nil {
					s.logger.Warn("Sweep task failed", zap.String("task", task.Name), zap.Error(err))
				}
				return nil
			}
			if n > 0 && s.logger != nil {
				s.logger.Info("Sweep task reclaimed items", zap.String("task", task.Name), zap.Int64("reclaimed", n))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}
