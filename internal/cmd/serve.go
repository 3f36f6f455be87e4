package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flashgate/flashgate/internal/config"
	errwrap "github.com/flashgate/flashgate/internal/errors"
	"github.com/flashgate/flashgate/internal/metrics"
	"github.com/flashgate/flashgate/internal/observability"
	"github.com/flashgate/flashgate/internal/server"
	"github.com/flashgate/flashgate/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
	noSweeper  bool
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admission gateway",
	Long: `Start the HTTP gateway with the waiting room, reservation API and sweeper.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Reload sales and log level from config`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		cfg, err := config.Load(ctx)
		if err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "config load failed")
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serverHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = serverPort
		}

		observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile)
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}
		metrics.SetServerStartTime(time.Now().Unix())

		db, err := openStoreWith(ctx, cfg)
		if err != nil {
			return errwrap.WrapInternal(ctx, err, "store initialization failed")
		}
		rt, err := assemble(ctx, cfg, db, logger)
		if err != nil {
			return errwrap.WrapInternal(ctx, err, "gateway initialization failed")
		}
		defer rt.Close()

		logger.Info("Initializing server",
			zap.String("version", handlers.AppVersion),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.String("bucket_backend", cfg.RateLimit.Backend),
			zap.Bool("postgres_inventory", rt.pg != nil),
			zap.Strings("sales", rt.room.Sales()),
			zap.Int("metrics_port", observability.GetMetricsPort()))

		hm := handlers.InitHealthManager(handlers.AppVersion)
		if cfg.Health.Enabled {
			for name, check := range rt.healthChecks() {
				hm.RegisterChecker(name, check)
			}
			if cfg.Metrics.Enabled {
				hm.RegisterChecker("telemetry", telemetryHealthChecker{})
			}
		}

		srv := server.New(cfg.Server.Host, cfg.Server.Port,
			server.WithRateLimit(rt.gate),
			server.WithAdmission(rt.gate),
			server.WithTimeouts(server.Timeouts{
				Read:  cfg.Server.ReadTimeout,
				Write: cfg.Server.WriteTimeout,
				Idle:  cfg.Server.IdleTimeout,
			}),
			server.WithAdminToken(cfg.Server.AdminToken),
			server.WithUnavailableRetryAfter(cfg.Breaker.CoolDown),
			server.WithTrustedProxy(cfg.Server.TrustProxy),
			server.WithCollaboratorToken(cfg.Server.CollaboratorToken),
			server.WithProfiler(cfg.Debug.PprofEnabled))

		sweepDone := make(chan struct{})
		if cfg.Sweeper.Enabled && !noSweeper {
			sw := rt.newSweeper()
			logger.Info("Starting sweeper", zap.Duration("interval", sw.Interval()))
			go func() {
				defer close(sweepDone)
				_ = sw.Run(ctx)
			}()
		} else {
			close(sweepDone)
		}

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		errChan := make(chan error, 2)

		// Shutdown handlers run LIFO: stop HTTP, then the sweeper, then flush logs.
		signals.OnShutdown(func(ctx context.Context) error {
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			errChan <- nil
			return nil
		})
		signals.OnShutdown(func(context.Context) error {
			cancel()
			<-sweepDone
			logger.Info("Sweeper stopped")
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			shutdownCtx, done := context.WithTimeout(ctx, shutdownTimeout)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: reloading configuration")
			next, err := config.Load(ctx)
			if err != nil {
				logger.Error("Config reload rejected", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			if err := reloadSales(ctx, rt, next); err != nil {
				logger.Error("Sale reload failed", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "sale reload failed")
			}
			observability.InitServerLogger(config.AppName, next.Logging.Level, next.Logging.Profile)
			logger = observability.ServerLogger
			logger.Info("Configuration reloaded", zap.Strings("sales", rt.room.Sales()))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}
		return nil
	},
}

// reloadSales registers new or changed sales and provisions their inventory.
// Existing quotas keep their counters.
func reloadSales(ctx context.Context, rt *runtime, next *config.Config) error {
	for _, sale := range next.Sales {
		if err := rt.room.AddSale(sale); err != nil {
			return err
		}
	}
	return rt.engine.ProvisionSales(ctx, next.Sales)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (overrides server.port)")
	serveCmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not run the expiry sweeper in this process")
}
