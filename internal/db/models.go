package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a lookup by key matches no row.
var ErrNotFound = errors.New("not found")

// DefaultTrigger is the trigger rule that acts as a project's fallback offer.
const DefaultTrigger = "default"

// OfferRule is a retention offer configured for a project and cancellation reason.
type OfferRule struct {
	ID          uuid.UUID        `json:"id"`
	ProjectID   string           `json:"project_id"`
	TriggerRule string           `json:"trigger_rule"`
	OfferType   string           `json:"offer_type"`
	OfferValue  int              `json:"offer_value"`
	Title       *string          `json:"title,omitempty"`
	Body        *string          `json:"body,omitempty"`
	CouponCode  *string          `json:"coupon_code,omitempty"`
	SavedAmount *decimal.Decimal `json:"saved_amount,omitempty"`
	IsActive    bool             `json:"is_active"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Save is a ledger entry for a customer who accepted a retention offer.
type Save struct {
	ID          int64           `json:"id"`
	CustomerID  string          `json:"customer_id"`
	ProjectID   string          `json:"project_id,omitempty"`
	OfferType   string          `json:"offer_type"`
	SavedAmount decimal.Decimal `json:"saved_amount"`
	Status      string          `json:"status"`
	Date        time.Time       `json:"date"`
	SettledAt   *time.Time      `json:"settled_at,omitempty"`
	// CheckedAt is the last sweep that looked at the save and left it pending.
	CheckedAt *time.Time `json:"checked_at,omitempty"`
}

// Save status constants. Only pending saves may change status.
const (
	SaveStatusPending  = "pending"
	SaveStatusVerified = "verified"
	SaveStatusFailed   = "failed"
)

// SaveFilter narrows ledger scans. Zero values match everything.
type SaveFilter struct {
	Month     string // YYYY-MM, matched against the UTC creation date
	ProjectID string
}
