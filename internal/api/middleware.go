package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/metrics"
	"github.com/lalithlochan/retain/internal/redis"
)

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request (e.g., project ID, IP).
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				kind, _, _ := strings.Cut(key, ":")
				metrics.RecordRateLimitRejection(kind)

				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ProjectKeyFunc extracts the project ID from the X-Project-ID header or query
// param. Widget requests without one fall back to the client IP.
func ProjectKeyFunc(r *http.Request) string {
	if projectID := r.Header.Get("X-Project-ID"); projectID != "" {
		return "project:" + projectID
	}
	if projectID := r.URL.Query().Get("project_id"); projectID != "" {
		return "project:" + projectID
	}
	return IPKeyFunc(r)
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

// AdminKeyMiddleware requires X-Admin-Key to match key. An empty key leaves
// the routes open, which is only meant for local development.
func AdminKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeProblem(w, http.StatusUnauthorized, "unauthenticated", "Unauthorized", "a valid X-Admin-Key header is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per completed request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
