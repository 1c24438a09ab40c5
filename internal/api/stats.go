package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/db"
	"github.com/lalithlochan/retain/internal/ledger"
)

// GetStats handles GET /v1/stats?month=&project_id=
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	filter := db.SaveFilter{
		Month:     r.URL.Query().Get("month"),
		ProjectID: r.URL.Query().Get("project_id"),
	}

	stats, err := h.ledger.ComputeStats(r.Context(), filter)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidMonth) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid month", err.Error())
			return
		}
		h.logger.Error("failed to compute stats",
			zap.Error(err),
			zap.String("month", filter.Month),
			zap.String("project_id", filter.ProjectID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute stats", "")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// RunMonthlyBilling handles POST /v1/billing/run?month=
// Without a month the previous calendar month is billed.
func (h *Handler) RunMonthlyBilling(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")

	stmt, err := h.ledger.Statement(r.Context(), month)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidMonth) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid month", err.Error())
			return
		}
		h.logger.Error("monthly billing run failed",
			zap.Error(err),
			zap.String("month", month),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to generate statement", "")
		return
	}

	writeJSON(w, http.StatusOK, stmt)
}
