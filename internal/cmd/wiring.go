package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flashgate/flashgate/internal/config"
	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/admission"
	"github.com/flashgate/flashgate/internal/core/breaker"
	"github.com/flashgate/flashgate/internal/core/inventory"
	"github.com/flashgate/flashgate/internal/core/ratelimit"
	"github.com/flashgate/flashgate/internal/core/store"
	"github.com/flashgate/flashgate/internal/core/store/membucket"
	"github.com/flashgate/flashgate/internal/core/store/postgres"
	"github.com/flashgate/flashgate/internal/core/store/redisbucket"
	"github.com/flashgate/flashgate/internal/core/sweeper"
	"github.com/flashgate/flashgate/internal/core/waitroom"
	"github.com/flashgate/flashgate/internal/server/handlers"
)

// runtime holds every component built from one configuration.
type runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	db      *store.Store
	rdb     *redis.Client
	buckets *redisbucket.Store
	mem     *membucket.Store
	pg      *postgres.Repository

	breakers map[string]*breaker.Breaker

	limiter *ratelimit.Limiter
	room    *waitroom.Room
	engine  *inventory.Engine
	gate    *admission.Gate
}

// openStore loads config and opens the migrated libsql store.
func openStore(ctx context.Context) (*config.Config, *store.Store, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errConfig, err)
	}
	db, err := openStoreWith(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func openStoreWith(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// buildRuntime wires stores, breakers, limiter, waiting room, inventory
// engine and gate from the loaded configuration.
func buildRuntime(ctx context.Context, logger *logging.Logger) (*runtime, error) {
	cfg, db, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	return assemble(ctx, cfg, db, logger)
}

func assemble(ctx context.Context, cfg *config.Config, db *store.Store, logger *logging.Logger) (rt *runtime, err error) {
	rt = &runtime{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		breakers: map[string]*breaker.Breaker{},
	}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	bucketStore, err := rt.bucketBackend(ctx)
	if err != nil {
		return nil, err
	}

	rt.limiter = &ratelimit.Limiter{
		Store:    bucketStore,
		Policies: policiesFrom(cfg.RateLimit),
		Guard:    rt.guard("buckets"),
	}
	rt.limiter.ApplyOverrides(cfg.RateLimit.Endpoints)
	rt.limiter.ApplySafetyMargin(cfg.RateLimit.Margin)

	var repo inventory.Repository = db
	if cfg.Postgres.DSN != "" {
		rt.pg, err = postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		repo = rt.pg
		if logger != nil {
			logger.Info("Inventory backed by postgres", zap.Int32("max_conns", cfg.Postgres.MaxConns))
		}
	}

	rt.room, err = waitroom.New(db, rt.limiter, cfg.Sales,
		waitroom.WithGuard(rt.guard("waitroom")),
		waitroom.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	rt.engine, err = inventory.NewEngine(repo,
		inventory.WithTickets(rt.room),
		inventory.WithGuard(rt.guard("inventory")),
		inventory.WithSales(cfg.Sales),
		inventory.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := rt.engine.ProvisionSales(ctx, cfg.Sales); err != nil {
		return nil, err
	}

	rt.gate, err = admission.New(rt.limiter, rt.room, rt.engine)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// bucketBackend selects where token buckets live.
func (rt *runtime) bucketBackend(ctx context.Context) (ratelimit.BucketStore, error) {
	rl := rt.cfg.RateLimit
	switch rl.Backend {
	case config.BackendRedis:
		rt.rdb = redis.NewClient(&redis.Options{
			Addr:     rt.cfg.Redis.Addr,
			Password: rt.cfg.Redis.Password,
			DB:       rt.cfg.Redis.DB,
		})
		rt.buckets = redisbucket.New(rt.rdb,
			redisbucket.WithPrefix(rt.cfg.Redis.Prefix),
			redisbucket.WithIdleTTL(rl.IdleTTL))
		if err := rt.buckets.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis %s: %w", rt.cfg.Redis.Addr, err)
		}
		return rt.buckets, nil
	case config.BackendMemory:
		rt.mem = membucket.New(membucket.WithIdleTTL(rl.IdleTTL))
		return rt.mem, nil
	default:
		return rt.db, nil
	}
}

// guard returns the named breaker, or nil when breakers are disabled.
func (rt *runtime) guard(name string) breaker.Guard {
	if !rt.cfg.Breaker.Enabled {
		return nil
	}
	b, ok := rt.breakers[name]
	if !ok {
		bc := rt.cfg.Breaker
		b = breaker.New(breaker.Settings{
			Name:             name,
			Threshold:        bc.Threshold,
			MinRequests:      bc.MinRequests,
			Window:           bc.Window,
			CoolDown:         bc.CoolDown,
			HalfOpenRequests: bc.HalfOpenRequests,
		}, breaker.WithLogger(rt.logger))
		rt.breakers[name] = b
	}
	return b
}

// policiesFrom turns the rate limit section into limiter policies.
func policiesFrom(rl config.RateLimitConfig) ratelimit.Policies {
	policies := ratelimit.DefaultPolicies()
	for name, policy := range rl.Tiers {
		if policy.Valid() {
			policies.Tiers[core.ParseTier(name)] = policy
		}
	}
	policies.IP = perMinuteOrOff(rl.IPPerMinute)
	policies.Service = perMinuteOrOff(rl.ServicePerMinute)
	policies.Endpoint = perMinuteOrOff(rl.EndpointPerMinute)
	return policies
}

func perMinuteOrOff(n int) core.BucketPolicy {
	if n <= 0 {
		return core.BucketPolicy{}
	}
	return core.PerMinute(n)
}

// sweepTasks lists the reclamation jobs for the configured backends.
func (rt *runtime) sweepTasks() []sweeper.Task {
	tasks := []sweeper.Task{
		{Name: "reservations", Run: rt.engine.Sweep},
		{Name: "waitroom", Run: rt.room.Sweep},
	}

	// Redis expires idle buckets itself.
	var evictor ratelimit.IdleEvictor
	switch {
	case rt.mem != nil:
		evictor = rt.mem
	case rt.buckets == nil:
		evictor = rt.db
	}
	if evictor != nil {
		idle := rt.cfg.RateLimit.IdleTTL
		tasks = append(tasks, sweeper.Task{Name: "buckets", Run: func(ctx context.Context) (int64, error) {
			return evictor.EvictIdle(ctx, time.Now().Add(-idle))
		}})
	}

	if retention := rt.cfg.Sweeper.QueueRetention; retention > 0 {
		tasks = append(tasks, sweeper.Task{Name: "queue_history", Run: func(ctx context.Context) (int64, error) {
			return rt.db.PurgeEntries(ctx, time.Now().Add(-retention))
		}})
	}
	return tasks
}

// newSweeper builds the sweeper over sweepTasks.
func (rt *runtime) newSweeper() *sweeper.Sweeper {
	return sweeper.New(rt.sweepTasks(),
		sweeper.WithInterval(rt.cfg.Sweeper.Interval),
		sweeper.WithLogger(rt.logger))
}

// healthChecks lists dependency checks for the health manager.
func (rt *runtime) healthChecks() map[string]handlers.HealthChecker {
	checks := map[string]handlers.HealthChecker{
		"store": handlers.CheckFunc(rt.db.Ping),
	}
	if rt.buckets != nil {
		checks["redis"] = handlers.CheckFunc(rt.buckets.Ping)
	}
	if rt.pg != nil {
		checks["postgres"] = handlers.CheckFunc(rt.pg.Ping)
	}
	for name, b := range rt.breakers {
		checks["breaker."+name] = breakerCheck(b)
	}
	return checks
}

func breakerCheck(b *breaker.Breaker) handlers.CheckFunc {
	return func(context.Context) error {
		if state := b.State(); state != breaker.StateClosed {
			return fmt.Errorf("%w: breaker %s is %s", handlers.ErrDegraded, b.Name(), state)
		}
		return nil
	}
}

// Close releases every connection the runtime opened.
func (rt *runtime) Close() {
	if rt.pg != nil {
		rt.pg.Close()
	}
	if rt.rdb != nil {
		_ = rt.rdb.Close()
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
}
