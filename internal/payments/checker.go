package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
)

// ErrNoCustomer is returned for an empty customer id.
var ErrNoCustomer = errors.New("customer id is required")

// StripeChecker answers whether a customer still holds a paying subscription.
type StripeChecker struct {
	api    *client.API
	logger *zap.Logger
}

// NewStripeChecker creates a checker. backends may be nil to use Stripe's defaults.
func NewStripeChecker(secretKey string, backends *stripe.Backends, logger *zap.Logger) *StripeChecker {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeChecker{api: api, logger: logger}
}

// IsActive reports whether any of the customer's subscriptions is active or trialing.
func (c *StripeChecker) IsActive(ctx context.Context, customerID string) (bool, error) {
	if customerID == "" {
		return false, ErrNoCustomer
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(20)

	iter := c.api.Subscriptions.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		if sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing {
			c.logger.Debug("subscription still active",
				zap.String("customer_id", customerID),
				zap.String("subscription_id", sub.ID),
				zap.String("status", string(sub.Status)),
			)
			return true, nil
		}
	}
	if err := iter.Err(); err != nil {
		// A 4xx is about this customer (deleted, unknown, wrong account), not
		// about Stripe, so the customer counts as no longer paying.
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && isCustomerError(stripeErr) {
			c.logger.Warn("subscription lookup rejected, treating customer as inactive",
				zap.String("customer_id", customerID),
				zap.Int("status", stripeErr.HTTPStatusCode),
				zap.String("code", string(stripeErr.Code)),
			)
			return false, nil
		}
		return false, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
	}

	return false, nil
}

func isCustomerError(err *stripe.Error) bool {
	status := err.HTTPStatusCode
	return status >= 400 && status < 500 &&
		status != http.StatusTooManyRequests &&
		status != http.StatusUnauthorized
}

// IsProviderFailure reports whether err means Stripe itself is unhealthy
// (transport errors, 5xx, rate limiting, bad credentials). Only those should
// trip a circuit breaker.
func IsProviderFailure(err error) bool {
	if err == nil || errors.Is(err, ErrNoCustomer) {
		return false
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return !isCustomerError(stripeErr)
	}
	return true
}
