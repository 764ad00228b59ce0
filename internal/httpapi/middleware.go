package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"enforcer/internal/enforcement"
	"enforcer/internal/logging"
	"enforcer/internal/metrics"
	"enforcer/internal/services"
)

const (
	headerSchedulerSecret = "X-Scheduler-Secret"
	headerTenantID        = "X-Tenant-ID"
	headerUserID          = "X-User-ID"
)

type callerKey struct{}

func withCaller(ctx context.Context, caller enforcement.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func callerFrom(ctx context.Context) enforcement.Caller {
	caller, _ := ctx.Value(callerKey{}).(enforcement.Caller)
	return caller
}

// requireScheduler admits internal triggers carrying the shared secret.
func (s *Server) requireScheduler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.schedulerSecret == "" {
			s.writeError(w, http.StatusServiceUnavailable, "scheduler secret not configured")
			return
		}
		provided := r.Header.Get(headerSchedulerSecret)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.schedulerSecret)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), enforcement.AutomationCaller())))
	})
}

// requireOwner turns identity headers into a tenant-scoped caller.
func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := enforcement.OwnerCaller(r.Header.Get(headerTenantID), r.Header.Get(headerUserID))
		if !caller.Valid() || caller.UserID == "" {
			s.writeError(w, http.StatusUnauthorized, "missing caller identity")
			return
		}
		if !s.limiter.allow(caller.TenantID) {
			w.Header().Set("Retry-After", "60")
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		ctx := services.WithTenantID(r.Context(), caller.TenantID)
		next.ServeHTTP(w, r.WithContext(withCaller(ctx, caller)))
	})
}

// instrument tags the request context and counts responses per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := r.Context()
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = services.WithRequestID(ctx, id)
		}
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method+" "+route, strconv.Itoa(status)).Inc()
		if status >= http.StatusInternalServerError {
			logging.WithContext(ctx, s.logger).Error("request failed",
				logging.String("method", r.Method),
				logging.String("route", route),
				logging.Int("status", status),
			)
		}
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
