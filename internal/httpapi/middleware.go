// Package httpapi assembles the public HTTP and WebSocket surface: a
// gorilla/mux router, its request-ID -> logging -> timeout -> auth ->
// rate-limit middleware chain, and the handlers for ingestion, price
// queries, consensus, streaming, health, and metrics.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/feedmesh/pricefeed/internal/apierr"
	"github.com/feedmesh/pricefeed/internal/authz"
	"github.com/feedmesh/pricefeed/internal/metrics"
	"github.com/feedmesh/pricefeed/internal/reqctx"
)

const requestTimeout = 5 * time.Second

// statusRecorder captures the status code written by a handler, for
// the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the wrapped writer so /stream can upgrade to
// a WebSocket through the logging middleware.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not implement http.Hijacker")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// requestIDMiddleware assigns every request a UUID, echoes it as
// X-Request-ID, and attaches it to the request context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(reqctx.WithRequestID(r.Context(), id)))
	})
}

// loggingMiddleware logs (status, latency_ms, method, path, request_id)
// at info level once the handler completes.
func loggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			log.Info().
				Str("request_id", reqctx.RequestID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("latency", time.Since(start)).
				Msg("request handled")
		})
	}
}

// metricsMiddleware records the request-duration histogram by route and
// status. route is the mux route template (e.g. "/prices/range"), not
// the raw path, so high-cardinality path params never leak into labels.
func metricsMiddleware(m *metrics.Registry, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.RequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
		})
	}
}

// timeoutMiddleware bounds every request to requestTimeout.
func timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireTier builds an auth + rate-limit gate for one route, writing a
// uniform taxonomy error and returning early on failure. minimum is the
// lowest tier allowed to call the route.
func requireTier(auth *authz.Authenticator, limiter *authz.RateLimiter, minimum authz.Tier, m *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := reqctx.RequestID(r.Context())

			id, apiErr := auth.Authenticate(r)
			if apiErr != nil {
				apierr.WriteJSON(w, requestID, apiErr)
				return
			}
			if !authz.RequireTier(id, minimum) {
				apierr.WriteJSON(w, requestID, apierr.New(apierr.CodeForbidden, "identity tier insufficient for this endpoint"))
				return
			}

			decision, err := limiter.Allow(r.Context(), id)
			if err != nil {
				apierr.WriteJSON(w, requestID, apierr.Wrap(apierr.CodeCacheError, "rate limit check failed", err))
				return
			}

			// These three headers MUST be present on every authenticated
			// response, not just rate-limited ones — including the
			// unlimited tiers, where Limit/Remaining/Reset are all 0.
			resetAt := int64(0)
			if !decision.ResetAt.IsZero() {
				resetAt = decision.ResetAt.UnixMilli()
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

			if !decision.Allowed {
				if m != nil {
					m.RateLimitRejections.WithLabelValues(string(id.Tier)).Inc()
				}
				retryAfter := int(time.Until(decision.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				apierr.WriteJSON(w, requestID, apierr.New(apierr.CodeRateLimited, "rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r.WithContext(reqctx.WithIdentity(r.Context(), id)))
		})
	}
}

// writeJSON marshals v as the response body with status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
