package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

type requestScopeKey struct{}

type requestScope struct {
	id     string
	logger *slog.Logger
}

// requestID returns the id assigned by withRequestScope.
func requestID(ctx context.Context) string {
	if scope, ok := ctx.Value(requestScopeKey{}).(requestScope); ok {
		return scope.id
	}
	return ""
}

// requestLogger returns a logger carrying the request id.
func requestLogger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if scope, ok := ctx.Value(requestScopeKey{}).(requestScope); ok {
		return scope.logger
	}
	return fallback
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(data)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// withRequestScope gives every request its own id and logger and writes one
// access log line when the handler returns.
func withRequestScope(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		scoped := logger.With("requestId", id)
		ctx := context.WithValue(r.Context(), requestScopeKey{}, requestScope{id: id, logger: scoped})
		w.Header().Set("X-Request-Id", id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		scoped.Info("http request",
			"method", r.Method,
			"path", r.URL.RequestURI(),
			"status", status,
			"bytes", rec.bytes,
			"duration", time.Since(start).Truncate(time.Millisecond),
			"remote", clientIP(r),
		)
	})
}

// corsMiddleware allows the configured origins; "*" allows any.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "If-None-Match"},
		ExposedHeaders:   []string{"ETag", "X-Request-Id"},
		AllowCredentials: !allowAll,
	}).Handler(next)
}

// rateLimitMiddleware guards the read endpoints with one global token bucket.
func rateLimitMiddleware(limiter *rate.Limiter, logger *slog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeError(w, r, requestLogger(r.Context(), logger), requestID(r.Context()),
				newAPIError(KindRateLimit, "rate limit exceeded").
					withSuggestion("Wait a moment before retrying."))
			return
		}
		next(w, r)
	}
}
