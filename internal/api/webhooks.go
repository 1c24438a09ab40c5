package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/ledger"
	"github.com/lalithlochan/retain/internal/metrics"
	"github.com/lalithlochan/retain/internal/payments"
	"github.com/lalithlochan/retain/internal/redis"
)

// maxWebhookBody caps a payment event body. Invoices with many line items
// run well past 64 KiB, so the cap leaves plenty of headroom.
const maxWebhookBody = 1 << 20

// HandlePaymentEvent handles POST /v1/webhooks/payments.
//
// Events are deduplicated by provider event id when Redis is available. A
// failed attempt releases its claim and answers 5xx so the provider retries;
// reconciliation itself is idempotent.
func (h *Handler) HandlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.RecordWebhookEvent("unknown", "too_large")
			h.logger.Warn("payment event body too large", zap.Int64("limit", tooLarge.Limit))
			h.writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Payload too large", "")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read body", err.Error())
		return
	}

	event, err := payments.Parse(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			metrics.RecordWebhookEvent("unknown", "invalid_signature")
			h.logger.Warn("payment event signature rejected", zap.Error(err))
			h.writeError(w, http.StatusBadRequest, "invalid_signature", "Invalid signature", "")
			return
		}
		metrics.RecordWebhookEvent("unknown", "malformed")
		h.logger.Warn("malformed payment event", zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "malformed_event", "Malformed payment event", err.Error())
		return
	}

	ledgerType := event.LedgerType()
	if ledgerType == "" {
		metrics.RecordWebhookEvent(event.Type, "ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	claimedKey := ""
	if h.idempotency != nil && event.ID != "" {
		done, err := h.idempotency.Claim(ctx, redis.ScopePaymentEvent, event.ID)
		switch {
		case errors.Is(err, redis.ErrInFlight):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Event is already being processed",
				"Another delivery of this event is in progress")
			return
		case err != nil:
			h.logger.Warn("payment event dedupe failed, proceeding",
				zap.Error(err),
				zap.String("event_id", event.ID),
			)
		case done != nil:
			metrics.RecordWebhookEvent(event.Type, "duplicate")
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		default:
			claimedKey = event.ID
		}
	}

	var resp map[string]any
	if h.queue != nil {
		msgID, err := h.queue.Enqueue(ctx, event)
		if err != nil {
			h.releaseKey(r, redis.ScopePaymentEvent, claimedKey)
			metrics.RecordWebhookEvent(event.Type, "error")
			h.logger.Error("failed to enqueue payment event",
				zap.Error(err),
				zap.String("event_id", event.ID),
			)
			h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue payment event", "")
			return
		}
		metrics.RecordWebhookEvent(event.Type, "queued")
		h.logger.Info("payment event enqueued",
			zap.String("event_id", event.ID),
			zap.String("sqs_message_id", msgID),
		)
		resp = map[string]any{"status": "queued"}
	} else {
		n, err := h.ledger.Reconcile(ctx, event.CustomerID, ledgerType)
		if err != nil {
			h.releaseKey(r, redis.ScopePaymentEvent, claimedKey)
			if errors.Is(err, ledger.ErrInvalidInput) {
				metrics.RecordWebhookEvent(event.Type, "rejected")
				h.writeError(w, http.StatusBadRequest, "malformed_event", "Malformed payment event", err.Error())
				return
			}
			metrics.RecordWebhookEvent(event.Type, "error")
			h.logger.Error("failed to reconcile payment event",
				zap.Error(err),
				zap.String("event_id", event.ID),
				zap.String("customer_id", event.CustomerID),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to apply payment event", "")
			return
		}
		metrics.RecordWebhookEvent(event.Type, "processed")
		resp = map[string]any{"status": "processed", "verified": n}
	}

	if claimedKey != "" {
		result := &redis.Result{
			ResourceID: event.ID,
			StatusCode: http.StatusOK,
			CreatedAt:  time.Now().Unix(),
		}
		if err := h.idempotency.Complete(ctx, redis.ScopePaymentEvent, claimedKey, result, redis.EventTTL); err != nil {
			h.logger.Warn("failed to mark payment event processed",
				zap.Error(err),
				zap.String("event_id", event.ID),
			)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
