package middleware

import (
	"context"
	stderrors "errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/core/ratelimit"
)

// Headers read from the upstream auth layer and written on every limited response.
const (
	UserIDHeader    = "X-User-ID"
	UserTierHeader  = "X-User-Tier"
	ServiceHeader   = "X-Service-Name"
	LimitHeader     = "X-RateLimit-Limit"
	RemainingHeader = "X-RateLimit-Remaining"
	ResetHeader     = "X-RateLimit-Reset"
	RetryAfter      = "Retry-After"
)

// Checker decides whether a request may proceed.
type Checker interface {
	Check(ctx context.Context, req ratelimit.Request) (core.Decision, error)
}

// RateLimit rejects requests over their budget with 429 and annotates the
// rest with the remaining budget. A nil checker disables limiting.
func RateLimit(checker Checker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if checker == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := checker.Check(r.Context(), RequestFromHTTP(r))
			if err != nil {
				status := http.StatusInternalServerError
				code := "INTERNAL_ERROR"
				if stderrors.Is(err, core.ErrDownstreamUnavailable) {
					status = http.StatusServiceUnavailable
					code = "SERVICE_UNAVAILABLE"
				}
				env := errors.NewErrorEnvelope(code, "rate limiter unavailable").
					WithCorrelationID(GetRequestID(r.Context()))
				writeErrorResponse(w, env, status)
				return
			}

			setRateLimitHeaders(w, decision)
			if !decision.Allowed {
				w.Header().Set(RetryAfter, strconv.Itoa(RetryAfterSeconds(decision.RetryAfter)))
				writeErrorResponse(w, rateLimitedEnvelope(r.Context(), decision), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestFromHTTP extracts the limiter identity from headers set upstream,
// falling back to the client address for anonymous callers.
func RequestFromHTTP(r *http.Request) ratelimit.Request {
	identity := strings.TrimSpace(r.Header.Get(UserIDHeader))
	tier := core.TierAnonymous
	if identity != "" {
		tier = core.ParseTier(r.Header.Get(UserTierHeader))
		if strings.TrimSpace(r.Header.Get(UserTierHeader)) == "" {
			tier = core.TierAuthenticated
		}
	}
	return ratelimit.Request{
		Identity: identity,
		Tier:     tier,
		IP:       clientIP(r),
		Service:  strings.TrimSpace(r.Header.Get(ServiceHeader)),
		Endpoint: routeOf(r),
	}
}

// routeOf returns the route pattern r resolves to, such as
// /api/queue/{token}, so path parameters never mint endpoint buckets.
// Outside a chi router the raw path is used.
func routeOf(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.Routes == nil {
		return r.URL.Path
	}
	return rctx.Routes.Find(chi.NewRouteContext(), r.Method, r.URL.Path)
}

// RetryAfterSeconds renders a retry delay as whole seconds, rounding up.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func setRateLimitHeaders(w http.ResponseWriter, decision core.Decision) {
	if decision.Limit <= 0 {
		return
	}
	w.Header().Set(LimitHeader, strconv.FormatFloat(decision.Limit, 'f', 0, 64))
	w.Header().Set(RemainingHeader, strconv.FormatFloat(math.Max(0, math.Floor(decision.Remaining)), 'f', 0, 64))
	w.Header().Set(ResetHeader, strconv.FormatInt(decision.ResetAt.Unix(), 10))
}

func rateLimitedEnvelope(ctx context.Context, decision core.Decision) *errors.ErrorEnvelope {
	env := errors.NewErrorEnvelope("RATE_LIMITED", "rate limit exceeded").
		WithCorrelationID(GetRequestID(ctx))
	updated, err := env.WithContext(map[string]interface{}{
		"retryAfterSeconds": RetryAfterSeconds(decision.RetryAfter),
		"remaining":         math.Max(0, math.Floor(decision.Remaining)),
		"limit":             decision.Limit,
		"resetAt":           decision.ResetAt.UTC().Format(time.RFC3339),
		"scope":             string(decision.Key.Scope),
	})
	if err != nil {
		return env
	}
	return updated
}

// clientIP is the peer address. Forwarding headers are only honoured when
// the server runs chi's RealIP ahead of this middleware, which rewrites
// RemoteAddr behind a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
