package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/db"
	"github.com/lalithlochan/retain/internal/ledger"
	"github.com/lalithlochan/retain/internal/offers"
	"github.com/lalithlochan/retain/internal/payments"
	"github.com/lalithlochan/retain/internal/redis"
)

// OfferService resolves offers and manages offer rules.
type OfferService interface {
	Resolve(ctx context.Context, projectID, reason string) offers.Presentation
	Upsert(ctx context.Context, rule *db.OfferRule) error
	List(ctx context.Context, projectID string) ([]*db.OfferRule, error)
	Deactivate(ctx context.Context, projectID, trigger string) error
}

// LedgerService records saves and reports on them.
type LedgerService interface {
	RecordAcceptance(ctx context.Context, in ledger.Acceptance) (*db.Save, error)
	Reconcile(ctx context.Context, customerID, eventType string) (int, error)
	ComputeStats(ctx context.Context, filter db.SaveFilter) (*ledger.Stats, error)
	Statement(ctx context.Context, month string) (*ledger.Statement, error)
}

// EventQueue defers payment events to the queue consumer.
type EventQueue interface {
	Enqueue(ctx context.Context, event *payments.Event) (string, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	offers        OfferService
	ledger        LedgerService
	validate      *validator.Validate
	idempotency   *redis.IdempotencyService // nil if Redis not configured
	queue         EventQueue                // nil reconciles payment events inline
	webhookSecret string                    // empty skips signature verification
}

type Option func(*Handler)

func WithIdempotency(svc *redis.IdempotencyService) Option {
	return func(h *Handler) { h.idempotency = svc }
}

func WithEventQueue(q EventQueue) Option {
	return func(h *Handler) { h.queue = q }
}

func WithWebhookSecret(secret string) Option {
	return func(h *Handler) { h.webhookSecret = secret }
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, offerSvc OfferService, ledgerSvc LedgerService, opts ...Option) *Handler {
	h := &Handler{
		logger:   logger,
		offers:   offerSvc,
		ledger:   ledgerSvc,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
