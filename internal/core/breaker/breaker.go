// Package breaker guards store and downstream calls with a circuit breaker
// and maps an open circuit to core.ErrDownstreamUnavailable.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/metrics"
)

// State mirrors the breaker state names.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Settings configures a breaker.
type Settings struct {
	Name string `mapstructure:"name"`
	// Threshold is the failure ratio in (0,1] that trips the breaker.
	Threshold float64 `mapstructure:"threshold"`
	// MinRequests is the number of samples in the window before tripping is considered.
	MinRequests uint32 `mapstructure:"min_requests"`
	// Window is the period after which closed-state counts are cleared.
	Window time.Duration `mapstructure:"window"`
	// CoolDown is how long the breaker stays open before a trial.
	CoolDown time.Duration `mapstructure:"cool_down"`
	// HalfOpenRequests is the number of trial calls admitted while half-open.
	HalfOpenRequests uint32 `mapstructure:"half_open_requests"`
}

// DefaultSettings returns conservative defaults for a named breaker.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:             name,
		Threshold:        0.5,
		MinRequests:      10,
		Window:           30 * time.Second,
		CoolDown:         5 * time.Second,
		HalfOpenRequests: 1,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings(s.Name)
	if s.Threshold <= 0 || s.Threshold > 1 {
		s.Threshold = def.Threshold
	}
	if s.MinRequests == 0 {
		s.MinRequests = def.MinRequests
	}
	if s.Window <= 0 {
		s.Window = def.Window
	}
	if s.CoolDown <= 0 {
		s.CoolDown = def.CoolDown
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = def.HalfOpenRequests
	}
	return s
}

// Guard runs a call under failure accounting.
type Guard interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Breaker is a Guard backed by gobreaker.
type Breaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker[struct{}]
	logger *logging.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger logs state transitions.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// New builds a breaker from settings.
func New(settings Settings, opts ...Option) *Breaker {
	settings = settings.withDefaults()
	b := &Breaker{name: settings.Name}
	for _, opt := range opts {
		opt(b)
	}

	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.HalfOpenRequests,
		Interval:    settings.Window,
		Timeout:     settings.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return ShouldTrip(counts.Requests, counts.TotalFailures, settings)
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(name, from, to)
		},
	})
	metrics.RecordBreakerState(settings.Name, string(StateClosed))
	return b
}

// ShouldTrip reports whether failures over requests crosses the threshold.
func ShouldTrip(requests, failures uint32, settings Settings) bool {
	if requests == 0 || requests < settings.MinRequests {
		return false
	}
	return float64(failures)/float64(requests) >= settings.Threshold
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Do runs fn unless the circuit is open. Infrastructure failures and an open
// circuit surface as core.ErrDownstreamUnavailable; domain outcomes pass
// through untouched and count as successes.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", core.ErrDownstreamUnavailable, b.name, err)
	}
	return wrapFailure(err)
}

// Call runs fn through guard, or directly when guard is nil. Either way
// infrastructure failures are reported as core.ErrDownstreamUnavailable.
func Call(ctx context.Context, guard Guard, fn func(ctx context.Context) error) error {
	if guard != nil {
		return guard.Do(ctx, fn)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return wrapFailure(fn(ctx))
}

func wrapFailure(err error) error {
	if err == nil || core.IsDomainOutcome(err) || isContextErr(err) {
		return err
	}
	if errors.Is(err, core.ErrDownstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrDownstreamUnavailable, err)
}

func isSuccessful(err error) bool {
	return core.IsDomainOutcome(err) || isContextErr(err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	metrics.RecordBreakerState(name, string(fromGobreaker(to)))
	if b.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("breaker", name),
		zap.String("from", string(fromGobreaker(from))),
		zap.String("to", string(fromGobreaker(to))),
	}
	if to == gobreaker.StateOpen {
		b.logger.Warn("Circuit breaker opened", fields...)
		return
	}
	b.logger.Info("Circuit breaker state changed", fields...)
}

func fromGobreaker(state gobreaker.State) State {
	switch state {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
