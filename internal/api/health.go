package api

import (
	"context"
	"net/http"
	"time"

	"github.com/lalithlochan/retain/internal/circuitbreaker"
)

// Pinger is anything the health check can probe, e.g. the database pool.
type Pinger interface {
	Health(ctx context.Context) error
}

// PingFunc adapts a plain ping function, such as a Redis client's, to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Health(ctx context.Context) error { return f(ctx) }

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Checks   map[string]string      `json:"checks"`
	Breakers []circuitbreaker.Stats `json:"breakers,omitempty"`
}

// HealthHandler reports dependency status. A failing required dependency
// turns the response into a 503 "unavailable"; a failing optional one only
// marks it "degraded".
type HealthHandler struct {
	deps     map[string]Pinger
	optional map[string]Pinger
	breakers []*circuitbreaker.CircuitBreaker
}

func NewHealthHandler(deps map[string]Pinger, breakers ...*circuitbreaker.CircuitBreaker) *HealthHandler {
	return &HealthHandler{deps: deps, optional: map[string]Pinger{}, breakers: breakers}
}

// Optional adds a dependency the gateway can run without, like Redis.
func (hh *HealthHandler) Optional(name string, dep Pinger) *HealthHandler {
	hh.optional[name] = dep
	return hh
}

func (hh *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK

	for name, dep := range hh.optional {
		if err := dep.Health(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}

	for name, dep := range hh.deps {
		if err := dep.Health(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	for _, cb := range hh.breakers {
		resp.Breakers = append(resp.Breakers, cb.Stats())
	}

	writeJSON(w, status, resp)
}
