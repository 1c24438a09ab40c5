package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/db"
	"github.com/lalithlochan/retain/internal/ledger"
	"github.com/lalithlochan/retain/internal/offers"
	"github.com/lalithlochan/retain/internal/redis"
)

// AcceptRequest is the body of POST /v1/offers/accept.
type AcceptRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	OfferType  string `json:"offer_type" validate:"required"`
	ProjectID  string `json:"project_id"`
}

// RuleRequest is the body of PUT /v1/offer-rules.
type RuleRequest struct {
	ProjectID   string           `json:"project_id" validate:"required"`
	TriggerRule string           `json:"trigger_rule" validate:"required"`
	OfferType   string           `json:"offer_type" validate:"required"`
	OfferValue  int              `json:"offer_value" validate:"gte=0"`
	Title       *string          `json:"title"`
	Body        *string          `json:"body"`
	CouponCode  *string          `json:"coupon_code"`
	SavedAmount *decimal.Decimal `json:"saved_amount"`
}

// RuleKeyRequest is the body of POST /v1/offer-rules/deactivate.
type RuleKeyRequest struct {
	ProjectID   string `json:"project_id" validate:"required"`
	TriggerRule string `json:"trigger_rule" validate:"required"`
}

// GetOffer handles GET /v1/offers?project_id=&reason=
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing project_id", "project_id query parameter is required")
		return
	}

	offer := h.offers.Resolve(r.Context(), projectID, r.URL.Query().Get("reason"))
	writeJSON(w, http.StatusOK, offer)
}

// AcceptOffer handles POST /v1/offers/accept.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AcceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "customer_id and offer_type are required")
		return
	}

	idempotencyKey := ""
	if key := r.Header.Get("Idempotency-Key"); key != "" && h.idempotency != nil {
		scopedKey := req.CustomerID + ":" + key
		cached, err := h.idempotency.Claim(ctx, redis.ScopeAcceptance, scopedKey)
		switch {
		case errors.Is(err, redis.ErrInFlight):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		case cached != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		default:
			idempotencyKey = scopedKey
		}
	}

	save, err := h.ledger.RecordAcceptance(ctx, ledger.Acceptance{
		CustomerID: req.CustomerID,
		OfferType:  req.OfferType,
		ProjectID:  req.ProjectID,
	})
	if err != nil {
		h.releaseKey(r, redis.ScopeAcceptance, idempotencyKey)
		if errors.Is(err, ledger.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid acceptance", err.Error())
			return
		}
		h.logger.Error("failed to record acceptance",
			zap.Error(err),
			zap.String("customer_id", req.CustomerID),
			zap.String("offer_type", req.OfferType),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record acceptance", "")
		return
	}

	body, err := json.Marshal(save)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode save", "")
		return
	}

	if idempotencyKey != "" {
		result := &redis.Result{
			ResourceID: strconv.FormatInt(save.ID, 10),
			StatusCode: http.StatusCreated,
			Body:       body,
			CreatedAt:  time.Now().Unix(),
		}
		if err := h.idempotency.Complete(ctx, redis.ScopeAcceptance, idempotencyKey, result, redis.KeyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

// UpsertOfferRule handles PUT /v1/offer-rules
func (h *Handler) UpsertOfferRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid offer rule", err.Error())
		return
	}

	rule := &db.OfferRule{
		ProjectID:   req.ProjectID,
		TriggerRule: req.TriggerRule,
		OfferType:   req.OfferType,
		OfferValue:  req.OfferValue,
		Title:       req.Title,
		Body:        req.Body,
		CouponCode:  req.CouponCode,
		SavedAmount: req.SavedAmount,
	}

	if err := h.offers.Upsert(r.Context(), rule); err != nil {
		if errors.Is(err, offers.ErrInvalidRule) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid offer rule", err.Error())
			return
		}
		h.logger.Error("failed to upsert offer rule",
			zap.Error(err),
			zap.String("project_id", req.ProjectID),
			zap.String("trigger_rule", req.TriggerRule),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save offer rule", "")
		return
	}

	h.logger.Info("offer rule saved",
		zap.String("project_id", rule.ProjectID),
		zap.String("trigger_rule", rule.TriggerRule),
		zap.String("offer_type", rule.OfferType),
	)

	writeJSON(w, http.StatusOK, rule)
}

// ListOfferRules handles GET /v1/offer-rules?project_id=
func (h *Handler) ListOfferRules(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing project_id", "project_id query parameter is required")
		return
	}

	rules, err := h.offers.List(r.Context(), projectID)
	if err != nil {
		h.logger.Error("failed to list offer rules",
			zap.Error(err),
			zap.String("project_id", projectID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list offer rules", "")
		return
	}
	if rules == nil {
		rules = []*db.OfferRule{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// DeactivateOfferRule handles POST /v1/offer-rules/deactivate
func (h *Handler) DeactivateOfferRule(w http.ResponseWriter, r *http.Request) {
	var req RuleKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "project_id and trigger_rule are required")
		return
	}

	if err := h.offers.Deactivate(r.Context(), req.ProjectID, req.TriggerRule); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Offer rule not found", "")
			return
		}
		h.logger.Error("failed to deactivate offer rule",
			zap.Error(err),
			zap.String("project_id", req.ProjectID),
			zap.String("trigger_rule", req.TriggerRule),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to deactivate offer rule", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"project_id":   req.ProjectID,
		"trigger_rule": req.TriggerRule,
		"status":       "deactivated",
	})
}

// releaseKey gives up an idempotency claim after a failed attempt so the
// client may retry. It uses a fresh context because the request may be done.
func (h *Handler) releaseKey(r *http.Request, scope, key string) {
	if key == "" || h.idempotency == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	if err := h.idempotency.Release(ctx, scope, key); err != nil {
		h.logger.Warn("failed to release idempotency key",
			zap.Error(err),
			zap.String("scope", scope),
			zap.String("key", key),
		)
	}
}
