package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/flashgate/flashgate/internal/errors"
	"github.com/flashgate/flashgate/internal/observability"
	"github.com/flashgate/flashgate/internal/server/handlers"
	servermw "github.com/flashgate/flashgate/internal/server/middleware"
)

// Timeouts bound the lifetime of HTTP connections.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Server represents the HTTP server
type Server struct {
	router     *chi.Mux
	server     *http.Server
	host       string
	port       int
	timeouts   Timeouts
	checker    servermw.Checker
	admission  handlers.Admission
	adminToken string
	profiler   bool

	unavailableRetry  time.Duration
	trustProxy        bool
	collaboratorToken string
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit enforces checker on every /api request.
func WithRateLimit(checker servermw.Checker) Option {
	return func(s *Server) {
		s.checker = checker
	}
}

// WithAdmission serves the waiting room and reservation API under /api.
func WithAdmission(gate handlers.Admission) Option {
	return func(s *Server) {
		s.admission = gate
	}
}

// WithCollaboratorToken enables reservation commit and release for the
// order/payment service authenticating with token.
func WithCollaboratorToken(token string) Option {
	return func(s *Server) {
		s.collaboratorToken = token
	}
}

// WithTimeouts overrides the connection timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		if t.Read > 0 {
			s.timeouts.Read = t.Read
		}
		if t.Write > 0 {
			s.timeouts.Write = t.Write
		}
		if t.Idle > 0 {
			s.timeouts.Idle = t.Idle
		}
	}
}

// WithAdminToken enables the bearer-protected admin signal endpoint.
func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.adminToken = token
	}
}

// WithProfiler mounts net/http/pprof under /debug.
func WithProfiler(enabled bool) Option {
	return func(s *Server) {
		s.profiler = enabled
	}
}

// WithUnavailableRetryAfter advertises d as Retry-After on 503 responses
// caused by an unavailable store. Typically the breaker cool-down.
func WithUnavailableRetryAfter(d time.Duration) Option {
	return func(s *Server) {
		s.unavailableRetry = d
	}
}

// WithTrustedProxy takes the client address from X-Forwarded-For and
// X-Real-IP. Enable only behind a proxy that overwrites those headers.
func WithTrustedProxy(enabled bool) Option {
	return func(s *Server) {
		s.trustProxy = enabled
	}
}

// New creates a new HTTP server instance
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		router: chi.NewRouter(),
		host:   host,
		port:   port,
		timeouts: Timeouts{
			Read:  30 * time.Second,
			Write: 30 * time.Second,
			Idle:  120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := s.router
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}

	// RequestID → Metrics → Recovery; the rate limiter sits inside the /api
	// group so probes and scrapes are never throttled.
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.handleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		s.handleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	handlers.SetHTTPErrorResponder(s.handleError)
	s.registerRoutes()
	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}

	observability.ServerLogger.Info("Starting HTTP server",
		zap.String("host", s.host),
		zap.Int("port", s.port),
		zap.String("addr", addr),
		zap.Bool("rate_limited", s.checker != nil),
		zap.Bool("admission_api", s.admission != nil))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	observability.ServerLogger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the server port for testing
func (s *Server) Port() int {
	return s.port
}
