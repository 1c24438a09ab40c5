package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/metrics"
	"github.com/lalithlochan/retain/internal/redis"
)

// RouterConfig carries the cross-cutting pieces of the HTTP surface.
type RouterConfig struct {
	Logger         *zap.Logger
	RateLimiter    *redis.RateLimiter // nil disables rate limiting
	AdminKey       string
	AllowedOrigins []string
	Health         http.Handler
}

// NewRouter mounts every route of the gateway.
//
//	widget (CORS, rate limited per project):  /v1/offers, /v1/offers/accept
//	admin (X-Admin-Key):                      /v1/offer-rules, /v1/stats, /v1/billing/run
//	provider:                                 /v1/webhooks/payments
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	r.Route("/v1", func(r chi.Router) {
		// The widget subrouter owns CORS so preflight requests reach it.
		r.Route("/offers", func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: cfg.AllowedOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Project-ID"},
				ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
				MaxAge:         300,
			}))
			r.Use(RateLimitMiddleware(cfg.RateLimiter, cfg.Logger, ProjectKeyFunc))

			r.Get("/", h.GetOffer)
			r.Post("/accept", h.AcceptOffer)
		})

		r.Group(func(r chi.Router) {
			r.Use(AdminKeyMiddleware(cfg.AdminKey))

			r.Put("/offer-rules", h.UpsertOfferRule)
			r.Get("/offer-rules", h.ListOfferRules)
			r.Post("/offer-rules/deactivate", h.DeactivateOfferRule)
			r.Get("/stats", h.GetStats)
			r.Post("/billing/run", h.RunMonthlyBilling)
		})

		r.Post("/webhooks/payments", h.HandlePaymentEvent)
	})

	if cfg.Health != nil {
		r.Method(http.MethodGet, "/health", cfg.Health)
	} else {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}

	r.Handle("/metrics", metrics.Handler())

	return r
}
